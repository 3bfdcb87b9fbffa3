package cli

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/internal/provider"
	"github.com/stackr-io/stackr/providers/remote"
)

var (
	serveProvider  string
	serveListen    string
	serveAWSRegion string
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage providers",
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in providers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range provider.Builtins() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s<host:port> (remote, any name via --remote-provider)\n", provider.RemotePrefix)
	},
}

var providerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a built-in provider over gRPC",
	Long: `Exposes a built-in provider on a gRPC endpoint so that stackr running
elsewhere can use it as a remote provider:

  stackr provider serve --provider aws --listen :7411
  stackr apply --remote-provider aws=build-host:7411`,
	Args: cobra.NoArgs,
	RunE: runProviderServe,
}

func init() {
	providerServeCmd.Flags().StringVar(&serveProvider, "provider", "memory", "Provider to serve ("+strings.Join(provider.Builtins(), ", ")+")")
	providerServeCmd.Flags().StringVar(&serveListen, "listen", ":7411", "Address to listen on")
	providerServeCmd.Flags().StringVar(&serveAWSRegion, "aws-region", "", "Region for the aws provider (default $AWS_REGION)")

	providerCmd.AddCommand(providerListCmd)
	providerCmd.AddCommand(providerServeCmd)
}

func runProviderServe(cmd *cobra.Command, args []string) error {
	if strings.HasPrefix(serveProvider, provider.RemotePrefix) {
		return errors.New("only built-in providers can be served")
	}
	reg := provider.NewRegistry(provider.Options{AWSRegion: serveAWSRegion})
	defer reg.Close()
	impl, err := reg.Get(serveProvider)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", serveListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", serveListen, err)
	}
	logging.Info("serving provider", "provider", serveProvider, "addr", lis.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s provider on %s (Ctrl-C to stop)\n", serveProvider, lis.Addr())

	return remote.Serve(cmd.Context(), lis, impl)
}
