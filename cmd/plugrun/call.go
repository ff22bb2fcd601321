package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

func newCallCmd(root *rootOptions) *cobra.Command {
	var (
		inputFile string
		hexOutput bool
	)

	cmd := &cobra.Command{
		Use:   "call <function> [input]",
		Short: "Call an exported plugin function",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var input []byte
			switch {
			case inputFile != "":
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return err
				}
				input = data
			case len(args) == 2:
				input = []byte(args[1])
			}

			rt, inst, err := root.newInstance(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)
			defer inst.Close(ctx)

			output, err := inst.Call(ctx, args[0], input)
			if err != nil {
				return err
			}

			switch {
			case hexOutput:
				fmt.Println(hex.EncodeToString(output))
			case utf8.Valid(output):
				fmt.Println(string(output))
			default:
				fmt.Fprintln(os.Stderr, "output is binary; printing hex (use --hex to silence this note)")
				fmt.Println(hex.EncodeToString(output))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputFile, "input-file", "", "read call input from a file instead of the argument")
	cmd.Flags().BoolVar(&hexOutput, "hex", false, "print output as hex")
	return cmd
}
