package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/journeys/pkg/cmd"
	"github.com/dukex/journeys/pkg/log"
)

const defaultPort = 9091

func main() {
	flags := append([]cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.BoolFlag{
			Name:    "with-worker",
			Usage:   "Also run the step workers in this process (required for memory:// stores)",
			Sources: cli.EnvVars("WITH_WORKER"),
		},
	}, cmd.RuntimeFlags()...)
	flags = append(flags, cmd.WorkerFlags()...)

	command := &cli.Command{
		Name:                  "journeys-api",
		Usage:                 "Create journeys and feed customers and their events",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("journeys-api")

			logger.InfoContext(ctx, "Initializing Journeys API")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runtime, err := cmd.NewRuntime(ctx, cmd.ConfigFromCommand("api", command), logger)
			if err != nil {
				return err
			}

			defer func() {
				err := runtime.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			if command.Bool("with-worker") {
				workerConfig, err := cmd.WorkerConfigFromCommand(command)
				if err != nil {
					return err
				}

				worker, err := cmd.NewWorker(runtime, workerConfig, logger)
				if err != nil {
					return err
				}

				err = worker.Start(ctx)
				if err != nil {
					return err
				}

				defer func() {
					err := worker.Stop(context.WithoutCancel(ctx))
					if err != nil {
						logger.ErrorContext(ctx, "Failed to stop worker", "error", err)
					}
				}()
			}

			return NewAPI(logger, runtime).Start(ctx, command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
