package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hivemind/coordinator/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default .hive-mind/config.json in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to resolve defaults: %w", err)
			}

			dir := cfg.DataDir
			if dir == "" {
				dir = ".hive-mind"
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}

			path := filepath.Join(dir, "config.json")
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists, leaving it untouched\n", path)
				return nil
			}

			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}
