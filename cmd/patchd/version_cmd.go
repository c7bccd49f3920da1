package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/patchd/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the patchd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "patchd %s\n", version.String())
			return err
		},
	}
	return cmd
}
