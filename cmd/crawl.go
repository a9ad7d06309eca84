// Package cmd defines and implements the CLI commands for the twostage executable.
package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/twostage-crawler/internal/app"
)

// newDiscoverCmd creates the 'discover' subcommand, which runs stage one
// (link collection) for a single job.
func newDiscoverCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "discover <job>",
		Short: "Collect links for a job",
		Long: `Crawls outward from the job's start URL up to its depth and page limits,
registering every discovered link. Discovery that already completed is
skipped unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			res, err := s.app.Discover(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			renderCollect(cmd.OutOrStdout(), args[0], res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-crawl even if discovery already completed")
	return cmd
}

// newExtractCmd creates the 'extract' subcommand, which processes one batch
// of pending links for a job. Zero-valued flags fall back to the job's own
// settings.
func newExtractCmd() *cobra.Command {
	var req app.BatchRequest
	cmd := &cobra.Command{
		Use:   "extract <job>",
		Short: "Extract one batch of pending links for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			res, err := s.app.ExtractBatch(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			renderBatch(cmd.OutOrStdout(), res)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&req.Size, "batch-size", 0, "links to attempt in this batch")
	flags.IntVar(&req.SaveInterval, "save-interval", 0, "extractions between checkpoints")
	flags.StringArrayVar(&req.Patterns, "pattern", nil, "URL pattern overriding the job's patterns (repeatable)")
	return cmd
}

// newRunCmd creates the 'run' subcommand. Every pending job is driven
// through discovery and extraction with bounded concurrency.
func newRunCmd() *cobra.Command {
	var maxConcurrent int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every pending job to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-concurrent") {
				maxConcurrent = s.app.Config().Scheduler.MaxConcurrent
			}
			sum, err := s.app.RunPending(cmd.Context(), maxConcurrent)
			switch {
			case errors.Is(err, context.Canceled):
				s.logger.Info("run interrupted; unfinished jobs were returned to pending")
			case err != nil:
				return err
			}
			renderRun(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "jobs run at once (default from config)")
	return cmd
}
