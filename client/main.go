package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/loadops/stampede/client/sossh"
)

// Versioning information set at build time
var version, commit, repository = "dev", "n/a", "loadops/stampede"

var api *apiClient

var verbose bool

var stampedeCmd = &cobra.Command{
	Use:   "stampede",
	Short: "Stampede orchestrates load-test campaigns across fleets of cloud nodes.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startUpdateCheck(cmd.Context())

		remote := lo.Must(cmd.Flags().GetString("remote"))

		host, port, _ := strings.Cut(remote, ":")
		if port == "" {
			port = "25380"
		}
		sshTunneling := lo.Must(cmd.Flags().GetBool("ssh-tunneling"))
		if (host == "127.0.0.1" || host == "localhost") && !cmd.Flags().Changed("ssh-tunneling") {
			sshTunneling = false
		}

		transport := &http.Transport{}
		if sshTunneling {
			sshPort := lo.Must(cmd.Flags().GetInt("ssh-port"))
			sshUsername := lo.Must(cmd.Flags().GetString("ssh-username"))
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return sossh.DialContext(
					cmd.Context(),
					network,
					fmt.Sprintf("%s:%d", host, sshPort),
					sshUsername,
					fmt.Sprintf("127.0.0.1:%s", port),
				)
			}
		}

		api = &apiClient{
			base: fmt.Sprintf("http://%s:%s", host, port),
			http: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		}
		return nil
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		printUpdateNotice()
	},
}

func init() {
	stampedeCmd.AddCommand(abortCmd)
	stampedeCmd.AddCommand(completionCmd)
	stampedeCmd.AddCommand(psCmd)
	stampedeCmd.AddCommand(resultsCmd)
	stampedeCmd.AddCommand(runCmd)
	stampedeCmd.AddCommand(selfUpdateCmd)
	stampedeCmd.AddCommand(showCmd)
	stampedeCmd.AddCommand(topCmd)
	stampedeCmd.AddCommand(versionCmd)
	stampedeCmd.AddCommand(watchCmd)

	stampedeCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	stampedeCmd.PersistentFlags().String("remote", lo.Must(lo.Coalesce(os.Getenv("STAMPEDE_REMOTE"), "127.0.0.1:25380")), "the server remote address")
	stampedeCmd.PersistentFlags().Bool("ssh-tunneling", true, "use ssh tunneling to connect to the server")
	stampedeCmd.PersistentFlags().String("ssh-username", "stampede-user", "username to use for ssh tunneling")
	stampedeCmd.PersistentFlags().Int("ssh-port", 22, "port to use for ssh tunneling")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stampedeCmd.SetOut(os.Stdout)
	if err := stampedeCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
