package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints the persisted session state.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		state, err := st.Load(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session:  %s\n", state.SessionID)
		fmt.Fprintf(out, "source:   %s\n", state.Source)
		fmt.Fprintf(out, "running:  %t\n", state.Running)
		fmt.Fprintf(out, "cursor:   page %d, row %d\n", state.Progress.Page, state.Progress.Row)
		fmt.Fprintf(out, "records:  %d (%d failed)\n", len(state.Records), state.Failures())
		if state.UpdatedAt > 0 {
			fmt.Fprintf(out, "updated:  %s\n", time.Unix(state.UpdatedAt, 0).Format(time.RFC3339))
		}
		if state.LastError != "" {
			fmt.Fprintf(out, "error:    %s\n", state.LastError)
		}
		return nil
	},
}
