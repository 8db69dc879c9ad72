package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	Version = "0.1.0"
)

func init() {
	fuseCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Fuse",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("fuse %s\n", Version)
			},
		})
}
