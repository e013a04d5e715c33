package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	brokerpkg "github.com/loadops/stampede/broker"
	"github.com/loadops/stampede/pipeline"
	"github.com/loadops/stampede/pool"
	"github.com/loadops/stampede/provisioner/openstack"
	"github.com/loadops/stampede/provisioner/static"
	"github.com/loadops/stampede/remote"
	"github.com/loadops/stampede/server/flags"
	"github.com/loadops/stampede/server/log"
	"github.com/loadops/stampede/store"
)

var broker *brokerpkg.Broker

// shutdownProvisioner releases provisioner-side resources (the generated
// keypair, for openstack) once all runs have been torn down.
var shutdownProvisioner = func() {}

func resultsDir() string {
	return filepath.Join(viper.GetString(flags.DataDir), "results")
}

func createBroker(runStore *store.RunStore) error {
	provisioner, signer, err := createProvisioner()
	if err != nil {
		return fmt.Errorf("unable to create provisioner: %w", err)
	}

	poolConfig := pool.Config{
		Logger:             log.Base.With("component", "pool"),
		MaxConcurrentBoots: viper.GetInt(flags.MaxConcurrentBoots),
		BootTimeout:        viper.GetDuration(flags.BootTimeout),
		BootRetries:        viper.GetInt(flags.BootRetries),
		ImageCacheTTL:      viper.GetDuration(flags.ImageCacheTTL),
	}
	if err := pool.Validate(poolConfig); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	log.Debug("Pool config", "config", string(lo.Must(json.Marshal(poolConfig))))
	nodePool := pool.New(provisioner, poolConfig)

	workload := &remote.Workload{
		Workspace: viper.GetString(flags.NodeWorkspace),
	}

	factory := &driverFactory{
		sshUser:       viper.GetString(flags.SshUsername),
		signer:        signer,
		dockerHost:    viper.GetString(flags.DockerHost),
		sidecarImage:  viper.GetString(flags.SidecarImage),
		resolverImage: viper.GetString(flags.ResolverImage),
		statsdPort:    viper.GetInt(flags.StatsdPort),
	}

	config := brokerpkg.DefaultConfig()
	config.Logger = log.Base.With("component", "broker")
	config.Store = runStore
	config.NodeImage = viper.GetString(flags.NodeImage)
	config.ResultsDir = resultsDir()
	config.MinReadyFraction = viper.GetFloat64(flags.MinReadyFraction)
	config.BringUpDeadline = viper.GetDuration(flags.BringUpDeadline)
	config.MonitorInterval = viper.GetDuration(flags.MonitorInterval)
	config.PruneAfterFailures = viper.GetInt(flags.PruneAfterFailures)
	config.StatsdPort = viper.GetInt(flags.StatsdPort)
	config.FailFast = viper.GetBool(flags.FailFast)
	config.Drivers = map[pipeline.Kind]pipeline.DriverConfig{}
	if err := brokerpkg.Validate(config); err != nil {
		return fmt.Errorf("invalid broker config: %w", err)
	}
	log.Debug("Broker config", "config", string(lo.Must(json.Marshal(config))))

	broker = brokerpkg.New(nodePool, workload, factory, config)
	return nil
}

func createProvisioner() (pool.Provider, ssh.Signer, error) {
	switch name := viper.GetString(flags.Provisioner); name {
	case "openstack":
		config := openstack.Config{
			Logger: log.Base.With("component", "provisioner"),
			Networks: lo.Map(
				viper.GetStringSlice(flags.OpenstackNetworks),
				func(s string, _ int) servers.Network {
					return servers.Network{UUID: s}
				},
			),
			SecurityGroups: viper.GetStringSlice(flags.OpenstackSecurityGroups),
		}
		log.Debug("Provisioner config", "config", string(lo.Must(json.Marshal(config))))
		provisioner, err := openstack.New(config)
		if err != nil {
			return nil, nil, err
		}
		shutdownProvisioner = provisioner.Shutdown
		return provisioner, provisioner.Signer(), nil

	case "static":
		provisioner, err := static.New(static.Config{
			Logger:    log.Base.With("component", "provisioner"),
			Addresses: viper.GetStringSlice(flags.StaticNodes),
		})
		if err != nil {
			return nil, nil, err
		}
		signer, err := loadSshKey(viper.GetString(flags.SshKeyFile))
		if err != nil {
			return nil, nil, err
		}
		return provisioner, signer, nil

	default:
		return nil, nil, fmt.Errorf("unknown provisioner '%s'", name)
	}
}

func loadSshKey(file string) (ssh.Signer, error) {
	if file == "" {
		return nil, fmt.Errorf("the static provisioner requires --%s", flags.SshKeyFile)
	}
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	return signer, nil
}
