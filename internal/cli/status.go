package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/slotwatch/internal/orchestrator"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/status")
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			var snap orchestrator.Snapshot
			if err := json.Unmarshal(resp.Data, &snap); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:       %s\n", snap.State)
			fmt.Fprintf(out, "  Started:   %s\n", snap.StartedAt.Format(time.DateTime))
			fmt.Fprintf(out, "  Cycles:    %d\n", snap.Cycles)
			if snap.LastCycleAt != nil {
				fmt.Fprintf(out, "  Last cycle: %s\n", snap.LastCycleAt.Format(time.DateTime))
			}
			fmt.Fprintf(out, "  Slots:     %d released, %d shortlisted, %d booked\n", snap.ReleasedSlots, snap.Shortlisted, snap.Booked)
			if snap.RefreshDue != nil {
				fmt.Fprintf(out, "  Refresh:   %s\n", snap.RefreshDue.Format(time.DateTime))
			}
			if snap.DryRun {
				fmt.Fprintln(out, "  Dry run:   yes")
			}
			if snap.LastError != "" {
				fmt.Fprintf(out, "  Last error: [%s] %s\n", snap.LastErrorKind, snap.LastError)
			}
			return nil
		},
	}
}
