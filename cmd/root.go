package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hierynomus/taipan"
	home "github.com/mitchellh/go-homedir"
	"github.com/rb3ckers/dualwrite/internal/config"
	"github.com/rb3ckers/dualwrite/internal/proxy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version string
	Commit  string
	Date    string
)

var EnvPrefix = "DUALWRITE"

func RootCommand(cfg *config.Config) *cobra.Command {
	var verbosity int

	cmd := &cobra.Command{
		Use:   "dualwrite",
		Short: "Runs the dual-write proxy",
		Long: `
HTTP proxy that:
* sends every request to a primary backend, whose response is returned to the client
* mirrors the same request to a secondary backend, without waiting for it

Mirrored requests carry the 'X-Dual-Write-Executed: true' header, requests from a
trusted peer carrying it are only sent to the primary.
`,
		Version: fmt.Sprintf("%s (Built on: %s, Commit: %s)", Version, Date, Commit),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch verbosity {
			case 0:
				// Nothing to do
			case 1:
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			case 2: //nolint:gomnd
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			default:
				zerolog.SetGlobalLevel(zerolog.TraceLevel)
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			PrintUsage(cfg)

			return RunProxy(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Print more verbose logging")

	cmd.Flags().StringP("listen", "l", ":8080", "Address to listen on and dual-write traffic from")
	cmd.Flags().StringP("primary", "p", "http://localhost:3000", "Primary backend, its responses will be returned to the client")
	cmd.Flags().StringP("secondary", "s", "http://localhost:3001", "Secondary backend, requests are mirrored to it and its responses discarded")
	cmd.Flags().Int("primary-timeout-ms", 30000, "Timeout of a single call to the primary.")                                                 //nolint:gomnd
	cmd.Flags().Int("primary-retries", 2, "Retries on the primary after a transport error, the client gets a gateway error after the last.") //nolint:gomnd
	cmd.Flags().Int("primary-retry-delay-ms", 100, "Fixed delay between primary attempts.")                                                  //nolint:gomnd
	cmd.Flags().Int("secondary-timeout-ms", 5000, "Timeout of a single call to the secondary.")                                              //nolint:gomnd
	cmd.Flags().Int("secondary-retries", 1, "Retries on the secondary after a transport error.")
	cmd.Flags().Int("secondary-retry-delay-ms", 50, "Fixed delay between secondary attempts.")                                                                     //nolint:gomnd
	cmd.Flags().Int("max-body-bytes", 10485760, "Largest request body that is accepted, larger requests are rejected with 413.")                                   //nolint:gomnd
	cmd.Flags().String("mirror-policy", config.PolicyAlways, "When to mirror: 'always', or 'primary-success' to skip the mirror when the primary is unavailable.") //nolint:lll
	cmd.Flags().StringSlice("trust-marker-from", []string{}, "Addresses or CIDR prefixes whose loop marker is honored. Defaults to loopback only, behind a same-host ingress every client arrives from loopback and could suppress mirroring, so set this explicitly there.")
	cmd.Flags().Int("max-inflight-mirrors", 500, "Maximum amount of mirrored requests in flight, further mirrors are dropped.")                         //nolint:gomnd
	cmd.Flags().Int("retry-after", 60, "After 5 successive failures the secondary is temporarily skipped, it will be retried after this many seconds.") //nolint:gomnd
	cmd.Flags().Int("shutdown-grace-ms", 10000, "How long in-flight mirrors may still run on shutdown.")                                                //nolint:gomnd
	cmd.Flags().String("status-address", "", "Address on which the status, health and metrics endpoints are made available. Leave empty to expose them on the proxied address")
	cmd.Flags().String("status", "targets", "Path on which the mirror status is listed")
	cmd.Flags().String("health", "healthz", "Path of the liveness endpoint")
	cmd.Flags().String("metrics", "metrics", "Path of the Prometheus metrics endpoint")
	cmd.Flags().String("username", "", "Username to protect the 'status' endpoint with.")
	cmd.Flags().String("password", "", "Password to protect the 'status' endpoint with.")
	cmd.Flags().String("passwordFile", "", "Provide a file that contains username/password to protect the 'status' endpoint. Contains 1 username/password combination separated by ':'.")

	return cmd
}

func RunProxy(ctx context.Context, cfg *config.Config) error {
	logger := zerolog.Ctx(ctx).With().Logger()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	p, err := proxy.NewProxy(cfg, logger)
	if err != nil {
		return err
	}

	if err := p.Start(ctx); err != nil {
		return err
	}

	served := make(chan error, 1)

	go func() {
		served <- p.Wait()
	}()

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, exiting")
	case err := <-served:
		if err != nil {
			logger.Error().Err(err).Msg("Serving failed")
		}
	}

	return p.Stop(context.Background())
}

func Execute(ctx context.Context) {
	cfg := &config.Config{}
	cmd := RootCommand(cfg)

	homeFolder, err := home.Expand("~/.dualwrite")
	if err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	taipanConfig := &taipan.Config{
		DefaultConfigName:  "dualwrite",
		ConfigurationPaths: []string{".", homeFolder},
		EnvironmentPrefix:  EnvPrefix,
		AddConfigFlag:      true,
		ConfigObject:       cfg,
		PrefixCommands:     true,
	}

	t := taipan.New(taipanConfig)
	t.Inject(cmd)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Printf("🎃 %s\n", err)
		os.Exit(1)
	}
}

func PrintUsage(cfg *config.Config) {
	address := cfg.ListenAddress
	if cfg.StatusListenAddress != "" {
		address = cfg.StatusListenAddress
	}

	fmt.Printf("Dual-writing %s to %s (primary) and %s (secondary)\n", cfg.ListenAddress, cfg.PrimaryTarget, cfg.SecondaryTarget)
	fmt.Printf("Status : curl http://%s/%s\n", address, cfg.StatusEndpoint)
	fmt.Printf("Health : curl http://%s/%s\n", address, cfg.HealthEndpoint)
	fmt.Printf("Metrics: curl http://%s/%s\n", address, cfg.MetricsEndpoint)
	fmt.Println()
}
