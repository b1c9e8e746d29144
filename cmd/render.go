package cmd

import (
	"fmt"
	"io"
	"os"

	"formdesk-server/service/form"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

// renderCmd checks a full form JSON document offline, the same way the
// render-existing view does.
var renderCmd = &cobra.Command{
	Use:   "render [file]",
	Short: "Validate a full form JSON document and print its display meta",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return renderDocument(in, cmd.OutOrStdout())
	},
	SilenceUsage: true,
}

func renderDocument(in io.Reader, out io.Writer) error {
	text, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read form: %w", err)
	}
	ff, err := form.ParseFullForm(string(text))
	if err != nil {
		return err
	}
	pretty, err := sonic.ConfigStd.MarshalIndent(ff.Schema, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "name: %s\ndescription: %s\nschema:\n%s\n", ff.Name, ff.Description, pretty)
	return err
}
