package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) newMonitorCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show locks, breaker state, engines and workflow counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			snapshot, err := app.Monitor.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, snapshot)
			}
			fmt.Fprintf(out, "collected at %s\n", snapshot.CollectedAt.Format(time.RFC3339))
			if b := snapshot.Breaker; b != nil {
				fmt.Fprintf(out, "lock breaker: %s, consecutive failures %d, degraded locks %d\n",
					b.State, b.ConsecutiveFailures, b.DegradedLocks)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "\nENGINE\tSTATUS\tLIVE\tACTIVE\tHEARTBEAT_AGE\n")
			for _, e := range snapshot.Engines {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%dms\n", e.EngineID, e.Status, e.Live, e.ActiveWorkflows, e.HeartbeatAgeMs)
			}
			fmt.Fprintf(w, "\nLOCK\tOWNER\tREMAINING\tEXPIRED\tDEGRADED\n")
			for _, l := range snapshot.Locks {
				fmt.Fprintf(w, "%s\t%s\t%dms\t%t\t%t\n", l.LockKey, l.Owner, l.RemainingMs, l.Expired, l.Degraded)
			}
			fmt.Fprintf(w, "\nSTATUS\tWORKFLOWS\n")
			statuses := make([]string, 0, len(snapshot.WorkflowCounts))
			for s := range snapshot.WorkflowCounts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, snapshot.WorkflowCounts[s])
			}
			for _, e := range snapshot.Errors {
				fmt.Fprintf(w, "error: %s\n", e)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as json")
	return cmd
}
