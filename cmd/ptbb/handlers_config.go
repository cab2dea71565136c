// handlers_config.go implements the config command group.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jsarkisian/PTBudgetBuster/internal/config"
)

// runConfigValidate loads and validates a configuration file, printing a
// short summary of the effective settings.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Configuration OK: %s\n", configPath)
	fmt.Fprintf(out, "  listen:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  data dir:     %s\n", cfg.Data.Dir)
	fmt.Fprintf(out, "  tool catalog: %s\n", cfg.Data.ToolsFile)
	fmt.Fprintf(out, "  playbooks:    %s\n", cfg.Data.PlaybooksDir)
	fmt.Fprintf(out, "  llm:          %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(out, "  auth:         disabled (no auth.jwt_secret)")
	} else {
		fmt.Fprintf(out, "  auth:         enabled (token expiry %s)\n", cfg.Auth.TokenExpiry)
	}
	if cfg.Scheduler.Disabled {
		fmt.Fprintln(out, "  scheduler:    disabled")
	} else {
		fmt.Fprintf(out, "  scheduler:    tick %s\n", cfg.Scheduler.TickInterval)
	}
	return nil
}

// runConfigSchema prints the JSON Schema for the configuration format.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}
