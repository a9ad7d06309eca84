package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

type addFlags struct {
	startURL       string
	template       string
	maxDepth       int
	maxPages       int
	batchSize      int
	saveInterval   int
	patterns       []string
	followPerPage  int
	allowExternal  bool
	forceDiscovery bool
}

// params overlays explicitly set flags on the configured defaults.
func (f addFlags) params(cmd *cobra.Command, defaults crawler.JobParameters) crawler.JobParameters {
	p := defaults
	p.StartURL = f.startURL
	changed := cmd.Flags().Changed
	if changed("template") {
		p.TemplatePath = f.template
	}
	if changed("max-depth") {
		p.MaxDepth = f.maxDepth
	}
	if changed("max-pages") {
		p.MaxPages = f.maxPages
	}
	if changed("batch-size") {
		p.BatchSize = f.batchSize
	}
	if changed("save-interval") {
		p.SaveInterval = f.saveInterval
	}
	if changed("pattern") {
		p.URLPatterns = f.patterns
	}
	if changed("follow-per-page") {
		p.FollowPerPage = f.followPerPage
	}
	p.AllowExternal = p.AllowExternal || f.allowExternal
	p.ForceDiscovery = f.forceDiscovery
	return p
}

func newAddCmd() *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			job, err := s.app.AddJob(cmd.Context(), args[0], f.params(cmd, s.app.Config().Defaults))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s) starting at %s\n", job.Name, job.ID, job.Params.StartURL)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.startURL, "start-url", "", "URL discovery starts from")
	flags.StringVar(&f.template, "template", "", "extraction template path, relative to the templates dir")
	flags.IntVar(&f.maxDepth, "max-depth", 0, "maximum link depth from the start URL")
	flags.IntVar(&f.maxPages, "max-pages", 0, "maximum pages visited during discovery")
	flags.IntVar(&f.batchSize, "batch-size", 0, "links extracted per batch")
	flags.IntVar(&f.saveInterval, "save-interval", 0, "extractions between checkpoints")
	flags.StringArrayVar(&f.patterns, "pattern", nil, "URL pattern selecting pages to extract (repeatable; prefix regex: for a regular expression)")
	flags.IntVar(&f.followPerPage, "follow-per-page", 0, "links followed per page (0 for unlimited)")
	flags.BoolVar(&f.allowExternal, "allow-external", false, "follow links off the start URL's host")
	flags.BoolVar(&f.forceDiscovery, "force-discovery", false, "re-run discovery on the first run even if links exist")
	_ = cmd.MarkFlagRequired("start-url")
	return cmd
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Register every task in a JSON or YAML task file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			res, err := s.app.LoadTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Added %d job(s).\n", len(res.Added))
			if len(res.Skipped) > 0 {
				fmt.Fprintf(out, "Skipped existing: %s\n", strings.Join(res.Skipped, ", "))
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			filter, err := parseStatusFlag(status)
			if err != nil {
				return err
			}
			jobs, err := s.app.Jobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed)")
	return cmd
}

func parseStatusFlag(v string) (crawler.JobStatus, error) {
	switch st := crawler.JobStatus(strings.ToLower(strings.TrimSpace(v))); st {
	case "", crawler.JobStatusPending, crawler.JobStatusRunning, crawler.JobStatusCompleted, crawler.JobStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", crawler.ErrConfig, v)
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job>",
		Short: "Show persisted progress for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			job, err := s.app.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sum, err := s.app.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), job, sum)
			return nil
		},
	}
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job>",
		Short: "Mark a job pending again, keeping its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := s.app.Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is pending.\n", args[0])
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job>",
		Short: "Return a job's stage to not_started without touching links or items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.app.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s stage reset.\n", args[0])
			return nil
		},
	}
}

func newWipeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe <job>",
		Short: "Delete a job's links, items and stage, leaving it pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w: wipe discards all progress for %s; pass --yes to confirm", crawler.ErrConfig, args[0])
			}
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := s.app.Wipe(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s wiped.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <job>",
		Short: "Delete a job and all of its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w: delete removes %s permanently; pass --yes to confirm", crawler.ErrConfig, args[0])
			}
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.app.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <job>",
		Short: "Write a job's extracted items to the export store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			loc, err := s.app.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
}
