package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
}

// render writes v as JSON, or through text for the text format
func render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "text":
		text(cmd.OutOrStdout())
		return nil
	case "json":
		return printJSON(cmd.OutOrStdout(), v)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
