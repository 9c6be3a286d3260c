package cmd

import (
	"fmt"
	"path/filepath"

	"nimble-sync/internal/nimble"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Print the Steam launch URL for a previously synced mod directory",
	RunE:  runLaunch,
}

func init() {
	launchCmd.Flags().String("path", "", "Local sync target directory (required)")
	launchCmd.Flags().String("params", "", "Extra client parameters appended to the launch arguments")
	launchCmd.Flags().String("app-id", nimble.DefaultAppID, "Steam application ID")
	_ = launchCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("path")
	clientParams, _ := cmd.Flags().GetString("params")
	appID, _ := cmd.Flags().GetString("app-id")

	cache, err := nimble.LoadModCache(base)
	if err != nil {
		return fmt.Errorf("loading cache for %s: %w", base, err)
	}

	if cache.Repository != nil && clientParams == "" {
		clientParams = cache.Repository.ClientParameters
	}

	var modPaths []string
	if cache.Repository != nil {
		for _, m := range cache.Repository.AllMods() {
			if !m.Enabled {
				continue
			}
			modPaths = append(modPaths, filepath.Join(base, m.Name))
		}
	}
	if len(modPaths) == 0 {
		for _, entry := range cache.Mods {
			modPaths = append(modPaths, filepath.Join(base, entry.Name))
		}
	}

	launchURL := nimble.BuildLaunchURL(appID, modPaths, clientParams)
	pterm.Println(launchURL)
	return nil
}
