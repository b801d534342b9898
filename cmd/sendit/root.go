package main

import (
	"errors"
	"sync"

	"github.com/kursadbilgin/sendit/internal/config"
	"github.com/kursadbilgin/sendit/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errNothingToDo is returned by commands that found no work.
var errNothingToDo = errors.New("nothing to do")

type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	logger     *zap.Logger
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

// ensureConfig loads the environment configuration and builds the logger once.
func (c *commandContext) ensureConfig() (*config.Config, *zap.Logger, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		logger, err := observability.NewLogger(cfg.LogLevel)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.logger, c.configErr
}

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	rootCmd := &cobra.Command{
		Use:           "sendit",
		Short:         "De-identify DICOM batches and send them to storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() {
				return nil
			}
			_, _, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if ctx.logger != nil {
				_ = ctx.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newStartQueueCommand(ctx))
	rootCmd.AddCommand(newMoveQueueCommand(ctx))
	rootCmd.AddCommand(newUploadFinishedCommand(ctx))
	rootCmd.AddCommand(newWatcherCommand(ctx))
	rootCmd.AddCommand(newBatchLogsCommand(ctx))
	rootCmd.AddCommand(newShowTimesCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))

	return rootCmd
}
