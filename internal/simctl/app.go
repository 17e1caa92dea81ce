package simctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"simjobs/internal/job"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// App holds the client and output settings shared by all commands.
type App struct {
	Client *Client
	Out    io.Writer
	Format string
}

func New() *App {
	return &App{Out: os.Stdout, Format: FormatTable}
}

// structured prints v as JSON or YAML and reports whether it did.
func (a *App) structured(v any) (bool, error) {
	switch a.Format {
	case FormatJSON:
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		// Round-trip through JSON so field names match the API.
		raw, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(a.Out)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(generic)
	case FormatTable, "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q (want table, json or yaml)", a.Format)
}

func (a *App) Submit(ctx context.Context, path string) error {
	sub, err := LoadSubmission(path)
	if err != nil {
		return err
	}
	j, err := a.Client.Submit(ctx, sub)
	if err != nil {
		return fmt.Errorf("submit %s: %w", path, err)
	}
	if ok, err := a.structured(j); ok {
		return err
	}
	fmt.Fprintf(a.Out, "Submitted job %s (%s)\n", j.ID, j.Status)
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Compute:\t%s\n", j.ComputeType)
	fmt.Fprintf(w, "Estimated cost:\t$%s\n", j.EstimatedCost.StringFixed(2))
	fmt.Fprintf(w, "Output:\t%s\n", j.OutputPrefix)
	return w.Flush()
}

func (a *App) List(ctx context.Context, status string, limit, offset int) error {
	var st job.Status
	if status != "" {
		var err error
		if st, err = job.ParseStatus(status); err != nil {
			return err
		}
	}
	res, err := a.Client.List(ctx, st, limit, offset)
	if err != nil {
		return err
	}
	if ok, err := a.structured(res); ok {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tNAME\tSTATUS\tPROGRESS\tCOMPUTE\tCREATED")
	for _, j := range res.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			j.ID, j.Name, j.Status, j.Progress, j.ComputeType, j.CreatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%d of %d jobs\n", len(res.Jobs), res.Total)
	return nil
}

func (a *App) Describe(ctx context.Context, id string) error {
	d, err := a.Client.Get(ctx, id)
	if err != nil {
		return err
	}
	if ok, err := a.structured(d); ok {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", d.ID)
	fmt.Fprintf(w, "Name:\t%s\n", d.Name)
	fmt.Fprintf(w, "Status:\t%s\n", d.Status)
	fmt.Fprintf(w, "Progress:\t%.1f%%\n", d.Progress)
	if d.CurrentStep != "" {
		fmt.Fprintf(w, "Step:\t%s\n", d.CurrentStep)
	}
	fmt.Fprintf(w, "Resources:\tcpu=%s memory=%s gpus=%d\n", d.Resources.CPU, d.Resources.Memory, d.Resources.GPUCount)
	fmt.Fprintf(w, "Image:\t%s\n", d.Workload)
	fmt.Fprintf(w, "Estimated cost:\t$%s\n", d.EstimatedCost.StringFixed(2))
	if d.ActualCost != nil {
		fmt.Fprintf(w, "Actual cost:\t$%s\n", d.ActualCost.StringFixed(2))
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", d.ErrorMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(d.Logs) > 0 {
		fmt.Fprintln(a.Out, "\nRecent logs:")
		a.printLogs(d.Logs)
	}
	return nil
}

func (a *App) Status(ctx context.Context, id string) error {
	v, err := a.Client.Status(ctx, id)
	if err != nil {
		return err
	}
	if ok, err := a.structured(v); ok {
		return err
	}
	line := fmt.Sprintf("%s\t%s\t%.1f%%", v.JobID, v.Status, v.Progress)
	if v.DurationMinutes != nil {
		line += fmt.Sprintf("\t%.1f min", *v.DurationMinutes)
	}
	if v.CurrentStep != "" {
		line += "\t" + v.CurrentStep
	}
	if v.ErrorMessage != "" {
		line += "\terror: " + v.ErrorMessage
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, line)
	return w.Flush()
}

func (a *App) Cancel(ctx context.Context, id, reason string) error {
	j, err := a.Client.Cancel(ctx, id, reason)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if ok, err := a.structured(j); ok {
		return err
	}
	fmt.Fprintf(a.Out, "Job %s %s\n", j.ID, j.Status)
	return nil
}

func (a *App) Logs(ctx context.Context, id, level string, limit int) error {
	var lvl job.LogLevel
	if level != "" {
		var err error
		if lvl, err = job.ParseLogLevel(level); err != nil {
			return err
		}
	}
	logs, err := a.Client.Logs(ctx, id, lvl, limit)
	if err != nil {
		return err
	}
	if ok, err := a.structured(logs); ok {
		return err
	}
	a.printLogs(logs)
	return nil
}

// printLogs prints entries oldest first; the API returns newest first.
func (a *App) printLogs(logs []job.LogEntry) {
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Timestamp.Local().Format(time.DateTime), l.Level, l.Source, l.Message)
	}
	w.Flush()
}

func (a *App) Files(ctx context.Context, id string) error {
	list, err := a.Client.Files(ctx, id)
	if err != nil {
		return err
	}
	if ok, err := a.structured(list); ok {
		return err
	}
	if len(list.Files) == 0 {
		fmt.Fprintf(a.Out, "No output files for job %s\n", id)
		return nil
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
	for _, f := range list.Files {
		fmt.Fprintf(w, "%s\t%d\t%s\n", f.Key, f.Size, f.LastModified.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (a *App) Download(ctx context.Context, id, path string) error {
	d, err := a.Client.Download(ctx, id, path)
	if err != nil {
		return err
	}
	if ok, err := a.structured(d); ok {
		return err
	}
	fmt.Fprintln(a.Out, d.URL)
	return nil
}

func (a *App) Statistics(ctx context.Context) error {
	s, err := a.Client.Statistics(ctx)
	if err != nil {
		return err
	}
	if ok, err := a.structured(s); ok {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Total:\t%d\n", s.Total)
	fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(w, "Success rate:\t%.1f%%\n", s.SuccessRate)
	fmt.Fprintf(w, "Average duration:\t%.1f min\n", s.AverageDurationMinutes)
	return w.Flush()
}

func (a *App) Cleanup(ctx context.Context, days int) error {
	n, err := a.Client.Cleanup(ctx, days)
	if err != nil {
		return err
	}
	if ok, err := a.structured(map[string]int64{"removed": n}); ok {
		return err
	}
	fmt.Fprintf(a.Out, "Removed %d finished jobs older than %d days\n", n, days)
	return nil
}

func (a *App) Reconcile(ctx context.Context) error {
	res, err := a.Client.Reconcile(ctx)
	if err != nil {
		return err
	}
	if ok, err := a.structured(res); ok {
		return err
	}
	fmt.Fprintf(a.Out, "Reconciled %d active jobs: %d polled, %d timed out, %d lost, %d errors\n",
		res.Active, res.Polled, res.TimedOut, res.Lost, res.Errors)
	return nil
}
