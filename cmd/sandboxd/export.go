package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the registry as YAML",
	Long: `Export sandboxes, delegation grants, admins and settings as a YAML
snapshot. The sandbox engine is not contacted.`,
	Example: `  # Print to stdout
  sandboxd export

  # Write to a file
  sandboxd export -o registry.yaml`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	data, err := a.plane.Export.ExportYAML(ctx)
	if err != nil {
		return err
	}
	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", exportOutput, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Registry exported to %s\n", exportOutput)
	return nil
}
