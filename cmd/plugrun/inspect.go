package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "List the plugin's exported functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			rt, inst, err := root.newInstance(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)
			defer inst.Close(ctx)

			fmt.Printf("Plugin: %s\n\nExported functions:\n", inst.Name())
			for _, exp := range inst.Exports() {
				line := "  " + exp.Name + "(" + strings.Join(exp.Params, ", ") + ")"
				if len(exp.Results) > 0 {
					line += " -> " + strings.Join(exp.Results, ", ")
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
