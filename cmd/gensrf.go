package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"nimble-sync/internal/nimble"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var genSrfCmd = &cobra.Command{
	Use:   "gen-srf",
	Short: "Scan a mod directory and write a mod.srf manifest for it",
	RunE:  runGenSrf,
}

func init() {
	genSrfCmd.Flags().String("path", "", "Mod directory to scan (required)")
	genSrfCmd.Flags().String("output", "", "Directory to write mod.srf into (defaults to --path)")
	_ = genSrfCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(genSrfCmd)
}

func runGenSrf(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = path
	}

	name := filepath.Base(filepath.Clean(path))
	manifest, err := nimble.ScanMod(name, path)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", path, err)
	}

	if err := os.MkdirAll(output, 0o755); err != nil {
		return fmt.Errorf("preparing output directory %s: %w", output, err)
	}

	srfPath := filepath.Join(output, "mod.srf")
	f, err := os.Create(srfPath) // #nosec G304 - output is a user-supplied directory.
	if err != nil {
		return fmt.Errorf("creating %s: %w", srfPath, err)
	}
	defer f.Close()

	if err := manifest.Write(f); err != nil {
		return fmt.Errorf("writing %s: %w", srfPath, err)
	}

	pterm.Success.Printf("Wrote %s (%d files, digest %s)\n", srfPath, len(manifest.Files), manifest.Digest.Hex())
	return nil
}
