package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunlink/tunlink/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the config file path",
	Long: `Print the path to the tunlink configuration file.

  tunlink config        Print the config file path
  tunlink config init   Write a default config file`,
	RunE: runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	fmt.Fprintf(os.Stdout, "Config: %s\n", path)

	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintln(os.Stdout, "  (not created yet; run 'tunlink config init')")
		return nil
	}
	fmt.Fprintf(os.Stdout, "  %s  %d bytes\n", info.Mode().Perm(), info.Size())

	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	if err := config.Save(path, config.DefaultConfig()); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Wrote %s\n", path)
	fmt.Fprintln(os.Stdout, "Edit it to set your tunnel address and peer, then run 'sudo tunlink up'.")
	return nil
}
