package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/dunamismax/pagemill/internal/app"
	"github.com/dunamismax/pagemill/internal/config"
	"github.com/dunamismax/pagemill/internal/convert"
	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/queue"
	"github.com/dunamismax/pagemill/internal/reconcile"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

var logger = log.New(os.Stderr, "[pagectl] ", log.LstdFlags|log.Lmsgprefix)

func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Printf("close stores error: %v", err)
		}
	}()
	return fn(a)
}

func jobsListAction(ctx context.Context, cmd *cli.Command) error {
	filter := domain.JobFilter{
		Limit:   int(cmd.Int("limit")),
		AfterID: cmd.String("after"),
	}
	if raw := cmd.String("status"); raw != "" {
		status, err := domain.ParseJobStatus(raw)
		if err != nil {
			return err
		}
		filter.Status = status
	}

	return withApp(ctx, func(a *app.App) error {
		jobs, err := a.Jobs.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		renderJobTable(os.Stdout, jobs)
		return nil
	})
}

func jobsShowAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	return withApp(ctx, func(a *app.App) error {
		job, ok, err := a.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		artifacts, err := a.Output.Count(ctx, jobID)
		if err != nil {
			return err
		}
		cp, hasCheckpoint, err := a.Checkpoints.Load(ctx, jobID)
		if err != nil {
			return err
		}
		var cpRef *domain.Checkpoint
		if hasCheckpoint {
			cpRef = &cp
		}
		renderJobDetail(os.Stdout, job, artifacts, cpRef)
		return nil
	})
}

func jobsAddAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	return withApp(ctx, func(a *app.App) error {
		if src, err := convert.Resolve(a.Config.Paths.SourceRoot, jobID); err != nil {
			logger.Printf("warning: %v; the worker will mark the job as error", err)
		} else {
			logger.Printf("source found kind=%s path=%s", src.Kind, src.Path)
		}
		if err := a.Jobs.Create(ctx, domain.Job{ID: jobID, Title: cmd.String("title")}); err != nil {
			return err
		}
		fmt.Printf("created job %s (pending)\n", jobID)
		return nil
	})
}

func jobsRequeueAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	return withApp(ctx, func(a *app.App) error {
		if err := a.Jobs.Requeue(ctx, jobID, cmd.String("reason")); err != nil {
			return err
		}
		fmt.Printf("requeued job %s\n", jobID)
		return nil
	})
}

func checkpointShowAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	return withApp(ctx, func(a *app.App) error {
		cp, ok, err := a.Checkpoints.Load(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("no checkpoint for %s\n", jobID)
			return nil
		}
		fmt.Printf("job %s: last page %d, fingerprint %s, saved %s\n",
			cp.JobID, cp.LastPage, valueOr(cp.Fingerprint, "-"), cp.UpdatedAt.Format(time.RFC3339))
		return nil
	})
}

func checkpointClearAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	return withApp(ctx, func(a *app.App) error {
		if err := a.Checkpoints.Clear(ctx, jobID); err != nil {
			return err
		}
		fmt.Printf("cleared checkpoint for %s\n", jobID)
		return nil
	})
}

func outputCountAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	return withApp(ctx, func(a *app.App) error {
		n, err := a.Output.Count(ctx, jobID)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	})
}

func outputPurgeAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.String("id")
	return withApp(ctx, func(a *app.App) error {
		job, ok, err := a.Jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if ok && job.Status == domain.JobStatusProcessing && !job.LeaseExpired(time.Now()) && !cmd.Bool("force") {
			return fmt.Errorf("job %s is held by %s; pass --force to purge anyway", jobID, job.LeaseOwner)
		}
		if err := a.Output.Purge(ctx, jobID); err != nil {
			return err
		}
		fmt.Printf("purged output for %s\n", jobID)
		return nil
	})
}

func reconcileAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cmd.Bool("now") {
		client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		info, err := client.EnqueueReconcileSweep(ctx, "pagectl")
		if err != nil {
			return err
		}
		fmt.Printf("enqueued sweep task %s on queue %s\n", info.ID, info.Queue)
		return nil
	}

	if err := convert.Startup(); err != nil {
		return err
	}
	defer convert.Shutdown()

	return withApp(ctx, func(a *app.App) error {
		r, err := reconcile.New(logger, a.Jobs, a.Output, convert.DefaultSet(), a.Config.Paths.SourceRoot)
		if err != nil {
			return err
		}
		report, err := r.Sweep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		renderReport(os.Stdout, report)
		return err
	})
}

func renderJobTable(w io.Writer, jobs []domain.Job) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Status", "Pages", "Attempts", "Lease Owner", "Updated At")
	for _, job := range jobs {
		table.Append(
			job.ID,
			string(job.Status),
			pageCountLabel(job.PageCount),
			strconv.Itoa(job.Attempts),
			valueOr(job.LeaseOwner, "-"),
			job.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
}

func renderJobDetail(w io.Writer, job domain.Job, artifacts int, cp *domain.Checkpoint) {
	fmt.Fprintf(w, "ID:          %s\n", job.ID)
	if job.Title != "" {
		fmt.Fprintf(w, "Title:       %s\n", job.Title)
	}
	fmt.Fprintf(w, "Status:      %s\n", job.Status)
	fmt.Fprintf(w, "Page count:  %s\n", pageCountLabel(job.PageCount))
	fmt.Fprintf(w, "Artifacts:   %d\n", artifacts)
	fmt.Fprintf(w, "Attempts:    %d\n", job.Attempts)
	if job.LeaseOwner != "" && job.LeaseExpiresAt != nil {
		fmt.Fprintf(w, "Lease:       %s until %s\n", job.LeaseOwner, job.LeaseExpiresAt.Format(time.RFC3339))
	}
	if job.ErrorDetail != nil {
		fmt.Fprintf(w, "Error:       %s\n", *job.ErrorDetail)
	}
	if cp != nil {
		fmt.Fprintf(w, "Checkpoint:  page %d\n", cp.LastPage)
	} else {
		fmt.Fprintf(w, "Checkpoint:  none\n")
	}
	fmt.Fprintf(w, "Updated at:  %s\n", job.UpdatedAt.Format(time.RFC3339))
}

func renderReport(w io.Writer, report reconcile.Report) {
	table := tablewriter.NewWriter(w)
	table.Header("Checked", "Requeued", "Errors")
	table.Append(strconv.Itoa(report.Checked), strconv.Itoa(report.Requeued), strconv.Itoa(report.Errors))
	table.Render()
}

func pageCountLabel(pageCount *int) string {
	if pageCount == nil {
		return "-"
	}
	return strconv.Itoa(*pageCount)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
