package main

import (
	"context"
	"fmt"

	"github.com/oriys/kernel/internal/kernel/runtimebuilder"
	"github.com/oriys/kernel/internal/kernel/runtimeconfig"
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	var dryBuild bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a runtime configuration document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("--config is required")
			}

			cfg, err := runtimeconfig.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration %s is valid\n", configFile)

			if !dryBuild {
				return nil
			}

			art, err := runtimebuilder.Build(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer art.Close()
			fmt.Printf("scenario %q built successfully: %d resident node(s), %d source(s)\n",
				cfg.Scenario.Name, len(art.Nodes), len(art.Sources))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryBuild, "build", false, "also build the full runtime composition to catch discovery/DAG/injection errors")
	return cmd
}
