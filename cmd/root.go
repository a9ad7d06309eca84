package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/app"
	"github.com/JakeFAU/twostage-crawler/internal/config"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Factory builds the application for one command invocation from the
// --config path.
type Factory func(ctx context.Context, cfgFile string) (*app.App, *zap.Logger, error)

// defaultFactory loads configuration from file, .env and environment and
// builds every configured backend.
func defaultFactory(ctx context.Context, cfgFile string) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: logger init failed: %w", crawler.ErrConfig, err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}

type session struct {
	app    *app.App
	logger *zap.Logger
}

// newRootCmd creates the root command with every subcommand attached.
func newRootCmd(build Factory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "twostage",
		Short: "Resumable two-stage crawl and extract engine.",
		Long: `twostage discovers every link reachable from a start URL, then extracts
structured records from the matching pages in resumable batches. Progress
is persisted after every checkpoint, so an interrupted job picks up where
it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before the subcommand's RunE; builds and injects the app.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := build(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, &session{app: a, logger: logger}))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newAddCmd(),
		newLoadCmd(),
		newListCmd(),
		newStatusCmd(),
		newDiscoverCmd(),
		newExtractCmd(),
		newRunCmd(),
		newRequeueCmd(),
		newResetCmd(),
		newWipeCmd(),
		newDeleteCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	for _, sub := range cmd.Commands() {
		sub.RunE = closingRunE(sub.RunE)
	}
	return cmd
}

// closingRunE closes the session after run, including when run fails;
// cobra skips post-run hooks on error.
func closingRunE(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := run(cmd, args)
		s, ok := cmd.Context().Value(appKey).(*session)
		if !ok {
			return err
		}
		if cerr := s.app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
		// Sync on a terminal stderr reports EINVAL; nothing to do about it.
		_ = s.logger.Sync()
		return err
	}
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(appKey).(*session)
	if !ok || s == nil {
		return nil, errors.New("application services not initialized")
	}
	return s, nil
}

// Exit codes.
const (
	exitFailure = 1
	// exitOperator marks configuration or persisted-state problems that
	// need an operator before anything is retried.
	exitOperator = 2
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, crawler.ErrConfig), errors.Is(err, crawler.ErrCorruptState):
		return exitOperator
	default:
		return exitFailure
	}
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running
// command, which stops at its next checkpoint.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(defaultFactory).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(ExitCode(err))
	}
}
