package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <projection>",
		Short: "Rewind one async projection and replay it from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cfg, charmAdapter{logger})
			if err != nil {
				return err
			}
			defer rt.Close()

			name := args[0]
			if err := rt.runner.Rebuild(cmd.Context(), name); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"projection %q rewound; replay proceeds while the daemon runs (known projections: %v)\n",
				name, rt.runner.Names())
			return nil
		},
	}
}
