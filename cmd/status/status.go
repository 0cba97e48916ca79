// Package status implements the one-shot status command.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/sentinel-console/internal/console"
	"github.com/tphakala/sentinel-console/internal/engine"
)

// maxAlerts caps the alerts printed by Summary.
const maxAlerts = 10

// Command creates the status command.
func Command(ctx *console.Context) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch a snapshot from the backend and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := console.New(ctx.Logger, ctx.Settings, ctx.Build, console.Options{})
			if err != nil {
				return err
			}
			return c.OneShot(cmd.Context(), func(_ context.Context, e *engine.Engine) error {
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), e)
				}
				return Summary(cmd.OutOrStdout(), e)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print engine stats as JSON")
	return cmd
}

// Summary writes a human readable overview of nodes, blackouts and alerts.
func Summary(w io.Writer, e *engine.Engine) error {
	st := e.Stats()
	snap := e.Snapshot()
	view := e.Alerts()

	fmt.Fprintf(w, "Nodes: %d  Detections: %d  Open blackouts: %d  Alerts: %d (threshold %.2f)\n\n",
		st.Nodes, st.Detections, st.OpenBlackouts, len(view.Alerts), view.Threshold)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tPHASE\tLAST HEARTBEAT\tDETECTIONS")
	for _, n := range snap.Nodes() {
		heartbeat := "-"
		if n.LastHeartbeat != nil {
			heartbeat = n.LastHeartbeat.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			n.NodeID, n.Status, e.Phase(n.NodeID), heartbeat, len(snap.DetectionsForNode(n.NodeID)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(view.Alerts) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nRecent alerts:")
	for i, a := range view.Alerts {
		if i == maxAlerts {
			fmt.Fprintf(w, "  ... %d more\n", len(view.Alerts)-maxAlerts)
			break
		}
		fmt.Fprintf(w, "  #%d %s %s %.2f at %s\n",
			a.Detection.ID, a.Detection.NodeID, a.Class, a.Confidence,
			a.Detection.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func writeJSON(w io.Writer, e *engine.Engine) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e.Stats())
}
