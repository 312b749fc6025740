package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pagectl: %v\n", err)
		os.Exit(1)
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "job id (source file name stem)",
		Required: true,
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "pagectl",
		Usage: "operate pagemill jobs, checkpoints and output",
		Commands: []*cli.Command{
			{
				Name:  "jobs",
				Usage: "inspect and manage job records",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list jobs",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "status", Usage: "pending, processing, done or error"},
							&cli.IntFlag{Name: "limit", Usage: "maximum rows", Value: 50},
							&cli.StringFlag{Name: "after", Usage: "list ids after this one"},
						},
						Action: jobsListAction,
					},
					{
						Name:   "show",
						Usage:  "show one job with its checkpoint and artifact count",
						Flags:  []cli.Flag{idFlag()},
						Action: jobsShowAction,
					},
					{
						Name:  "add",
						Usage: "create a pending job for a source in SOURCE_ROOT",
						Flags: []cli.Flag{
							idFlag(),
							&cli.StringFlag{Name: "title", Usage: "display title"},
						},
						Action: jobsAddAction,
					},
					{
						Name:  "requeue",
						Usage: "reset a job to pending",
						Flags: []cli.Flag{
							idFlag(),
							&cli.StringFlag{Name: "reason", Usage: "recorded in error_detail", Value: "requeued by operator"},
						},
						Action: jobsRequeueAction,
					},
				},
			},
			{
				Name:  "checkpoint",
				Usage: "inspect resume checkpoints",
				Commands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "print a job's checkpoint",
						Flags:  []cli.Flag{idFlag()},
						Action: checkpointShowAction,
					},
					{
						Name:   "clear",
						Usage:  "delete a job's checkpoint so the next run starts at page 1",
						Flags:  []cli.Flag{idFlag()},
						Action: checkpointClearAction,
					},
				},
			},
			{
				Name:  "output",
				Usage: "inspect page artifacts",
				Commands: []*cli.Command{
					{
						Name:   "count",
						Usage:  "count a job's artifacts",
						Flags:  []cli.Flag{idFlag()},
						Action: outputCountAction,
					},
					{
						Name:  "purge",
						Usage: "delete a job's artifacts",
						Flags: []cli.Flag{
							idFlag(),
							&cli.BoolFlag{Name: "force", Usage: "purge even while a worker holds the job"},
						},
						Action: outputPurgeAction,
					},
				},
			},
			{
				Name:  "reconcile",
				Usage: "check done jobs against their output and source",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "now", Usage: "sweep in this process instead of enqueueing"},
				},
				Action: reconcileAction,
			},
		},
	}
}
