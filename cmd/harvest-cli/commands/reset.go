package commands

import (
	"github.com/spf13/cobra"

	"github.com/use-agent/harvest/models"
)

var resetKeep *bool

func init() {
	resetKeep = resetCmd.Flags().Bool("keep-records", false, "Only stop the session; keep records and cursor.")
	rootCmd.AddCommand(resetCmd)
}

var resetCmd = &cobra.Command{
	Use:   "reset [--keep-records]",
	Short: "Stops the persisted session and clears its records.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		next := models.DefaultState()
		if *resetKeep {
			next, err = st.Load(cmd.Context())
			if err != nil {
				return err
			}
			next.Running = false
		}
		if err := st.Save(cmd.Context(), next); err != nil {
			return err
		}
		cmd.Println("session reset")
		return nil
	},
}
