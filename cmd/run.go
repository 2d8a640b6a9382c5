package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ffbatch/config"
	"ffbatch/task"
)

func runCmd() *cobra.Command {
	var (
		workers int
		timeout time.Duration
	)
	var command = &cobra.Command{
		Use:   "run <jobs.json>",
		Short: "Run the jobs in a file to completion and export their reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := loadJobs(args[0])
			if err != nil {
				return err
			}
			a, err := bootstrap(func(c *config.Config) {
				// Reports are exported synchronously below.
				c.AutoExport = false
				if workers > 0 {
					c.MaxConcurrentTasks = workers
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runJobs(ctx, a.manager, specs, cmd.OutOrStdout())
		},
	}

	command.Flags().IntVarP(&workers, "workers", "w", 0, "Worker count (overrides MAX_CONCURRENT_TASKS)")
	command.Flags().DurationVar(&timeout, "timeout", 0, "Give up and cancel remaining jobs after this long")
	return command
}

// loadJobs reads a JSON array of jobs, an object with a "jobs" array, or a
// single job object.
func loadJobs(path string) ([]task.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("job file %s is empty", path)
	}

	if data[0] == '[' {
		var specs []task.JobSpec
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse job file: %w", err)
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("job file %s has no jobs", path)
		}
		return specs, nil
	}

	var file struct {
		Jobs []task.JobSpec `json:"jobs"`
		task.JobSpec
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	switch {
	case len(file.Jobs) > 0:
		return file.Jobs, nil
	case file.Name != "" || len(file.Tasks) > 0:
		return []task.JobSpec{file.JobSpec}, nil
	default:
		return nil, fmt.Errorf("job file %s has no jobs", path)
	}
}

// runJobs submits every job, waits for all of them and exports each report.
// It fails if any job did not complete. When ctx ends first, the remaining
// jobs are cancelled and allowed to settle.
func runJobs(ctx context.Context, m *task.Manager, specs []task.JobSpec, out io.Writer) error {
	poolCtx, stopPool := context.WithCancel(context.Background())
	m.Start(poolCtx)
	defer func() {
		stopPool()
		m.Wait()
	}()

	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		job, err := m.SubmitJob(spec)
		if err != nil {
			for _, id := range ids {
				_ = m.CancelJob(id)
			}
			return fmt.Errorf("job %d (%s): %w", i, spec.Name, err)
		}
		ids = append(ids, job.ID)
	}

	failed := 0
	for _, id := range ids {
		view, err := m.WaitJob(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("job", id).Msg("stopped waiting, cancelling job")
			_ = m.CancelJob(id)
			view, _ = m.WaitJob(context.Background(), id)
		}

		_, path, err := m.Export(context.Background(), id)
		if err != nil {
			log.Error().Err(err).Str("job", id).Msg("export failed")
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%d/%d completed, %d failed, %d cancelled\t%s\n",
			view.ID, view.Name, view.Status, view.Completed, view.Total, view.Failed, view.Cancelled, path)
		if view.Status != task.JobCompleted {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", failed, len(ids))
	}
	return nil
}
