// Package blackout implements the one-shot blackout commands.
package blackout

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/sentinel-console/internal/console"
	"github.com/tphakala/sentinel-console/internal/engine"
	"github.com/tphakala/sentinel-console/internal/model"
)

// defaultActor identifies CLI-issued commands when --actor is not given.
func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// Command creates the blackout command group.
func Command(ctx *console.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blackout",
		Short: "Activate or deactivate a node blackout",
	}
	cmd.AddCommand(activateCommand(ctx), deactivateCommand(ctx))
	return cmd
}

func activateCommand(ctx *console.Context) *cobra.Command {
	var reason, actor string

	cmd := &cobra.Command{
		Use:   "activate NODE_ID",
		Short: "Put a node into covert mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, ctx, func(c context.Context, e *engine.Engine) (model.BlackoutEvent, error) {
				return e.Activate(c, args[0], reason, actor)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the blackout")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Operator recorded as the initiator")
	return cmd
}

func deactivateCommand(ctx *console.Context) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "deactivate NODE_ID",
		Short: "Bring a node out of covert mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(cmd, ctx, func(c context.Context, e *engine.Engine) (model.BlackoutEvent, error) {
				return e.Deactivate(c, args[0], actor)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Operator recorded as the initiator")
	return cmd
}

// oneShot seeds the engine from a snapshot so the coordinator knows the node's
// phase, then issues the command.
func oneShot(cmd *cobra.Command, ctx *console.Context, issue func(context.Context, *engine.Engine) (model.BlackoutEvent, error)) error {
	c, err := console.New(ctx.Logger, ctx.Settings, ctx.Build, console.Options{})
	if err != nil {
		return err
	}
	return c.OneShot(cmd.Context(), func(runCtx context.Context, e *engine.Engine) error {
		ev, err := issue(runCtx, e)
		if err != nil {
			return err
		}
		Print(cmd.OutOrStdout(), ev, e)
		return nil
	})
}

// Print writes the command outcome.
func Print(w io.Writer, ev model.BlackoutEvent, e *engine.Engine) {
	state := "open"
	if ev.DeactivatedAt != nil {
		state = "closed"
	}
	fmt.Fprintf(w, "blackout %d on %s is %s (phase %s)\n", ev.ID, ev.NodeID, state, e.Phase(ev.NodeID))
	if ev.DetectionsQueued > 0 {
		fmt.Fprintf(w, "%d detections were queued during the blackout\n", ev.DetectionsQueued)
	}
}
