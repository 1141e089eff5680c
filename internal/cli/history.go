package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/slotwatch/internal/store"
)

func listQuery(limit, offset int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q.Encode()
}

func newAttemptsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List booking attempts recorded by a running bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/attempts?"+listQuery(limit, offset))
			if err != nil {
				return fmt.Errorf("list attempts: %w", err)
			}

			var data []store.Attempt
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(data) == 0 {
				fmt.Fprintln(out, "No attempts recorded.")
				return nil
			}

			fmt.Fprintf(out, "%-12s  %-10s  %-20s  %-9s  %s\n", "SLOT", "OUTCOME", "SLOT START", "RECORDED", "MESSAGE")
			fmt.Fprintf(out, "%-12s  %-10s  %-20s  %-9s  %s\n", "----", "-------", "----------", "--------", "-------")
			for _, a := range data {
				outcome := string(a.Outcome)
				if a.DryRun {
					outcome += "*"
				}
				fmt.Fprintf(out, "%-12s  %-10s  %-20s  %-9s  %s\n",
					a.SlotID, outcome, a.SlotStart.Format("Mon 02-Jan 15:04"), a.CreatedAt.Format("15:04:05"), a.Message)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newTransitionsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "List session state transitions recorded by a running bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/transitions?"+listQuery(limit, offset))
			if err != nil {
				return fmt.Errorf("list transitions: %w", err)
			}

			var data []store.Transition
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(data) == 0 {
				fmt.Fprintln(out, "No transitions recorded.")
				return nil
			}
			for _, tr := range data {
				fmt.Fprintf(out, "%s  %-12s -> %-12s  %s\n", tr.CreatedAt.Format(time.DateTime), tr.From, tr.To, tr.Reason)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}
