package main

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/ggoodman/sharedoc/protocol"
)

func newSchemaCommand() *cobra.Command {
	var which string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the wire messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			switch which {
			case "request":
				out = protocol.RequestSchema()
			case "response":
				out = protocol.ResponseSchema()
			case "all":
				out = map[string]*jsonschema.Schema{
					"request":  protocol.RequestSchema(),
					"response": protocol.ResponseSchema(),
				}
			default:
				return fmt.Errorf("unknown --message %q", which)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&which, "message", "all", "which schema to print: request, response or all")
	return cmd
}
