package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/twostage-crawler/internal/batch"
	"github.com/JakeFAU/twostage-crawler/internal/crawler"
	"github.com/JakeFAU/twostage-crawler/internal/scheduler"
	"github.com/JakeFAU/twostage-crawler/internal/stage"
	"github.com/JakeFAU/twostage-crawler/internal/worker"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderJobs(w io.Writer, jobs []crawler.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Name", "Status", "Start URL", "Links", "Items", "Failures", "Created"})
	for _, job := range jobs {
		t.AppendRow(table.Row{
			job.Name,
			job.Status,
			job.Params.StartURL,
			job.Counters.LinksDiscovered,
			job.Counters.ItemsFound,
			job.Counters.ExtractionFailures,
			job.CreatedAt.Format(time.DateTime),
		})
	}
	t.AppendFooter(table.Row{"Total", len(jobs)})
	t.Render()
}

func renderSummary(w io.Writer, job crawler.Job, sum worker.Summary) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"Job", sum.Job},
		{"Status", sum.Status},
		{"Stage", sum.Stage},
		{"Start URL", job.Params.StartURL},
		{"Links total", sum.Links.Total},
		{"Links crawled", sum.Links.Crawled},
		{"Links pending", sum.Links.Pending},
		{"Matching pending", sum.Matching},
		{"Items", sum.Items},
	})
	if job.OutputLocation != "" {
		t.AppendRow(table.Row{"Output", job.OutputLocation})
	}
	if job.ErrorText != "" {
		t.AppendRow(table.Row{"Error", job.ErrorText})
	}
	t.Render()

	if len(sum.RecentItems) == 0 {
		return
	}
	fmt.Fprintln(w, "Recent items:")
	items := newTable(w)
	items.AppendHeader(table.Row{"Source", "Extracted", "Fields"})
	for _, item := range sum.RecentItems {
		items.AppendRow(table.Row{item.SourceURL, item.ExtractedAt.Format(time.DateTime), len(item.Fields)})
	}
	items.Render()
}

func renderCollect(w io.Writer, name string, res stage.CollectResult) {
	if res.Skipped {
		fmt.Fprintf(w, "Discovery for %s already complete: %d links (use --force to re-crawl).\n", name, res.TotalLinks)
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Visited", "Skipped", "New links", "Total links"})
	t.AppendRow(table.Row{res.PagesVisited, res.PagesSkipped, res.NewLinks, res.TotalLinks})
	t.Render()
}

func renderBatch(w io.Writer, res batch.Result) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Attempted", "Succeeded", "Failed", "Remaining"})
	t.AppendRow(table.Row{res.Attempted, res.Succeeded, res.Failed, res.RemainingPending})
	t.Render()
	if len(res.Failures) == 0 {
		return
	}
	failures := newTable(w)
	failures.AppendHeader(table.Row{"URL", "Error"})
	for _, f := range res.Failures {
		failures.AppendRow(table.Row{f.URL, f.Err})
	}
	failures.Render()
}

func renderRun(w io.Writer, sum scheduler.Summary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Selected", "Completed", "Failed", "Interrupted"})
	t.AppendRow(table.Row{sum.Selected, sum.Completed, sum.Failed, sum.Interrupted})
	t.Render()
	if len(sum.Errors) == 0 {
		return
	}
	errs := newTable(w)
	errs.AppendHeader(table.Row{"Job", "Error"})
	for _, name := range slices.Sorted(maps.Keys(sum.Errors)) {
		errs.AppendRow(table.Row{name, sum.Errors[name]})
	}
	errs.Render()
}
