package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeffmylife/rlm/internal/config"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the config schema version this build supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(config.CurrentVersion)
			return nil
		},
	}
}
