package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configCmd() *cobra.Command {
	var save bool
	var file string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		Long: `config prints the configuration merged from defaults, the config file
and PENKIT_ environment variables. With --save it is written to --file,
which defaults to penkit.yaml in the penkit home directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !save {
				if configPath != "" {
					pterm.Info.Println("config: " + configPath)
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer func() {
					_ = enc.Close()
				}()
				return enc.Encode(config)
			}
			path := file
			if path == "" {
				path = filepath.Join(penkitHome, "penkit.yaml")
			}
			if err := saveConfig(path); err != nil {
				return err
			}
			pterm.Success.Println("Configuration saved to " + path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "write the configuration to a file")
	cmd.Flags().StringVar(&file, "file", "", "file written by --save")
	return cmd
}

func saveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(config); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}
