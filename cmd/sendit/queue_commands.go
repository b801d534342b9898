package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartQueueCommand(ctx *commandContext) *cobra.Command {
	var number int
	var subfolder string

	cmd := &cobra.Command{
		Use:   "start-queue",
		Short: "Queue new input folders for import",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			orchestrator, err := rt.orchestrator()
			if err != nil {
				return err
			}
			queued, err := orchestrator.StartQueueFrom(cmd.Context(), subfolder, number)
			if err != nil {
				return err
			}
			return reportCount(cmd, queued, "folders queued for import")
		},
	}

	cmd.Flags().IntVarP(&number, "number", "n", 0, "Maximum number of folders to queue (0 queues all)")
	cmd.Flags().StringVar(&subfolder, "subfolder", "", "Only scan this folder under the data base")

	return cmd
}

func newMoveQueueCommand(ctx *commandContext) *cobra.Command {
	var number int

	cmd := &cobra.Command{
		Use:   "move-queue",
		Short: "Dispatch import for batches waiting in QUEUE",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			orchestrator, err := rt.orchestrator()
			if err != nil {
				return err
			}
			moved, err := orchestrator.MoveQueue(cmd.Context(), number)
			if err != nil {
				return err
			}
			return reportCount(cmd, moved, "queued batches dispatched")
		},
	}

	cmd.Flags().IntVarP(&number, "number", "n", 0, "Maximum number of batches to dispatch (0 dispatches all)")

	return cmd
}

func newUploadFinishedCommand(ctx *commandContext) *cobra.Command {
	var groups int

	cmd := &cobra.Command{
		Use:   "upload-finished",
		Short: "Upload batches left in DONEPROCESSING",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !cmd.Flags().Changed("groups") {
				groups = rt.cfg.UploadGroups
			}

			orchestrator, err := rt.orchestrator()
			if err != nil {
				return err
			}
			sent, err := orchestrator.UploadFinished(cmd.Context(), groups)
			if err != nil {
				return err
			}
			return reportCount(cmd, sent, "upload groups dispatched")
		},
	}

	cmd.Flags().IntVarP(&groups, "groups", "g", 0, "Number of upload messages to split the batches into")

	return cmd
}

// reportCount prints n with label, or returns errNothingToDo when n is zero.
func reportCount(cmd *cobra.Command, n int, label string) error {
	if n == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "0 %s\n", label)
		return errNothingToDo
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", n, label)
	return nil
}
