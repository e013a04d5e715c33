package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"
	DataDir   = "data-dir"

	NodeImage          = "node-image"
	MaxConcurrentBoots = "max-concurrent-boots"
	BootTimeout        = "boot-timeout"
	BootRetries        = "boot-retries"
	ImageCacheTTL      = "image-cache-ttl"

	MinReadyFraction   = "min-ready-fraction"
	BringUpDeadline    = "bring-up-deadline"
	MonitorInterval    = "monitor-interval"
	PruneAfterFailures = "prune-after-failures"
	FailFast           = "fail-fast"
	StatsdPort         = "statsd-port"
	SidecarImage       = "sidecar-image"
	ResolverImage      = "resolver-image"
	NodeWorkspace      = "node-workspace"

	Provisioner = "provisioner"
	SshUsername = "ssh-username"
	SshKeyFile  = "ssh-key-file"
	DockerHost  = "docker-host"

	OpenstackNetworks       = "openstack-networks"
	OpenstackSecurityGroups = "openstack-security-groups"

	StaticNodes = "static-nodes"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Stampede
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":25380", "listening address")
	flags.String(DataDir, "/var/lib/stampede", "directory for the run database")

	// Node pool
	flags.String(NodeImage, "coreos-stable", "VM image nodes boot from")
	flags.Int(MaxConcurrentBoots, 8, "maximum number of nodes booting at once")
	flags.Duration(BootTimeout, 5*time.Minute, "how long a node may take to boot")
	flags.Int(BootRetries, 3, "how many times to retry a failed boot")
	flags.Duration(ImageCacheTTL, time.Hour, "how long resolved image ids stay cached")

	// Runs
	flags.Float64(MinReadyFraction, 0.5, "share of a step's nodes that must become ready")
	flags.Duration(BringUpDeadline, 5*time.Minute, "how long a collection may take to become ready")
	flags.Duration(MonitorInterval, 5*time.Second, "how often running workloads are probed")
	flags.Int(PruneAfterFailures, 2, "consecutive probe failures before a node is pruned")
	flags.Bool(FailFast, false, "abort the remaining steps of a run when one fails")
	flags.Int(StatsdPort, 8125, "statsd port workloads send metrics to")
	flags.String(SidecarImage, "telegraf:latest", "metrics sidecar image")
	flags.String(ResolverImage, "andyshinn/dnsmasq:latest", "DNS resolver image")
	flags.String(NodeWorkspace, "/var/lib/stampede", "workspace directory on the nodes")

	// Provisioner
	flags.String(Provisioner, "openstack", "node provisioner (openstack, static)")
	flags.String(SshUsername, "core", "ssh username used to connect to the nodes")
	flags.String(SshKeyFile, "", "ssh private key for the nodes (static provisioner only)")
	flags.String(DockerHost, "unix:///var/run/docker.sock", "docker host on the nodes")

	// Openstack
	flags.StringSlice(OpenstackNetworks, nil, "networks attached to the nodes")
	flags.StringSlice(OpenstackSecurityGroups, nil, "security groups defined for the nodes")

	// Static
	flags.StringSlice(StaticNodes, nil, "machine addresses backing the static provisioner, as public[/private]")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("stampede")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
