package commands

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var exportOut *string

func init() {
	exportOut = exportCmd.Flags().StringP("out", "o", "scraped-data.json", "File to write, or - for stdout.")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export [-o <path/to/scraped-data.json>]",
	Short: "Writes the collected records as an indented JSON array.",
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

		var w io.Writer = cmd.OutOrStdout()
		if *exportOut != "-" {
			f, err := os.Create(*exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state.Records); err != nil {
			return err
		}
		if *exportOut != "-" {
			cmd.PrintErrf("wrote %d records to %s\n", len(state.Records), *exportOut)
		}
		return nil
	},
}
