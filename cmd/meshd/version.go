package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshd %s (%s)\n", version, gitSHA)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
