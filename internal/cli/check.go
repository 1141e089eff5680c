package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const checkLayout = "2006-01-02 15:04"

func newCheckCmd() *cobra.Command {
	var (
		policyPath string
		nowFlag    string
		zone       string
	)

	cmd := &cobra.Command{
		Use:   "check <YYYY-MM-DD HH:MM>",
		Short: "Evaluate the booking policy for a slot start time",
		Long: `Prints whether a slot starting at the given wall-clock time would be booked,
and which rules reject it otherwise. Times are read in --tz.`,
		Example: `  slotwatch check "2026-05-04 09:20"
  slotwatch check --policy policy.yaml --now "2026-04-28 08:00" "2026-05-06 16:00"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return fmt.Errorf("--tz %q: %w", zone, err)
			}
			start, err := time.ParseInLocation(checkLayout, args[0], loc)
			if err != nil {
				return fmt.Errorf("parse slot time: %w", err)
			}
			now := time.Now().In(loc)
			if nowFlag != "" {
				if now, err = time.ParseInLocation(checkLayout, nowFlag, loc); err != nil {
					return fmt.Errorf("parse --now: %w", err)
				}
			}
			policy, err := loadPolicy(policyPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := policy.Violations(start, now)
			if len(failed) == 0 {
				fmt.Fprintf(out, "%s: desirable\n", start.Format("Mon 02-Jan-2006 15:04"))
				return nil
			}
			fmt.Fprintf(out, "%s: rejected by %s\n", start.Format("Mon 02-Jan-2006 15:04"), strings.Join(failed, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "YAML policy file (default: built-in rules)")
	cmd.Flags().StringVar(&nowFlag, "now", "", "Evaluate as if the current time were this (YYYY-MM-DD HH:MM)")
	cmd.Flags().StringVar(&zone, "tz", "Asia/Singapore", "Time zone of the given times")

	return cmd
}
