package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/twostage-crawler/internal/api"
	"github.com/JakeFAU/twostage-crawler/internal/app"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

const (
	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// newServeCmd creates the 'serve' subcommand: the HTTP API plus, when
// scheduler.cron is set, a periodic run of every pending job.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the optional cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				return serve(cmd.Context(), s, port)
			}
			return serve(cmd.Context(), s, s.app.Config().Server.Port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

func serve(ctx context.Context, s *session, port int) error {
	cfg := s.app.Config()
	logger := s.logger.Named("serve")

	stopCron, err := startCron(ctx, s.app, cfg.Scheduler.Cron, cfg.Scheduler.MaxConcurrent, logger)
	if err != nil {
		return err
	}
	defer stopCron()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           api.NewServer(ctx, s.app, cfg, s.logger.Named("api")).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	logger.Info("shutting down http server", zap.Duration("timeout", timeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// startCron schedules RunPending on spec. An empty spec schedules nothing.
// The returned stop func waits for a run in flight to return.
func startCron(ctx context.Context, a *app.App, spec string, maxConcurrent int, logger *zap.Logger) (func(), error) {
	if spec == "" {
		return func() {}, nil
	}
	cl := cronLogger{logger.Named("cron").Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		sum, err := a.RunPending(ctx, maxConcurrent)
		if err != nil {
			logger.Warn("scheduled run failed", zap.Error(err))
			return
		}
		logger.Info("scheduled run finished",
			zap.Int("selected", sum.Selected),
			zap.Int("completed", sum.Completed),
			zap.Int("failed", sum.Failed),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scheduler cron %q: %w", crawler.ErrConfig, spec, err)
	}
	c.Start()
	logger.Info("cron schedule started", zap.String("spec", spec))
	return func() {
		<-c.Stop().Done()
	}, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
