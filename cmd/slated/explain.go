package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docket-hq/slate-sheikah/internal/errors"
)

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain [code]",
		Short: "Explain an error code",
		Long: `Explain an error code reported by slated.

Without an argument, every known code is listed.

Examples:
  slated explain
  slated explain E105`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, code := range errors.AllCodes() {
					tmpl, _ := errors.GetTemplate(code)
					fmt.Fprintf(out, "%s  %-7s %s\n", code, tmpl.Category, tmpl.Message)
				}
				return nil
			}

			code := args[0]
			if _, ok := errors.GetTemplate(code); !ok {
				return errors.New("E204").WithDetailf("No error is registered as %q", code)
			}
			fmt.Fprint(out, errors.New(code).Format())
			return nil
		},
	}
}
