package cmd

import (
	"fmt"
	"sort"

	"nimble-sync/internal/nimble"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List mods currently tracked by a sync target's cache",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("path", "", "Local sync target directory (required)")
	_ = listCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("path")

	cache, err := nimble.LoadModCache(base)
	if err != nil {
		return fmt.Errorf("loading cache for %s: %w", base, err)
	}

	printModList(cache)
	return nil
}

// printModList renders the cache's tracked mods, cross-referenced against
// the last-synced repository manifest's required/optional/enabled status
// when one is on record.
func printModList(cache nimble.ModCache) {
	type row struct {
		name     string
		tracked  bool
		enabled  bool
		required bool
	}

	byName := make(map[string]*row)
	for _, entry := range cache.Mods {
		byName[entry.Name] = &row{name: entry.Name, tracked: true}
	}

	if cache.Repository != nil {
		for _, m := range cache.Repository.RequiredMods {
			r, ok := byName[m.Name]
			if !ok {
				r = &row{name: m.Name}
				byName[m.Name] = r
			}
			r.enabled = m.Enabled
			r.required = true
		}
		for _, m := range cache.Repository.OptionalMods {
			r, ok := byName[m.Name]
			if !ok {
				r = &row{name: m.Name}
				byName[m.Name] = r
			}
			r.enabled = m.Enabled
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	tableData := pterm.TableData{{"Mod Name", "Tracked", "Enabled", "Required"}}
	var trackedCount, missingCount int

	for _, name := range names {
		r := byName[name]
		if r.tracked {
			trackedCount++
		} else {
			missingCount++
		}

		trackedStr := pterm.Red("false")
		if r.tracked {
			trackedStr = pterm.Green("true")
		}
		enabledStr := pterm.Red("false")
		if r.enabled {
			enabledStr = pterm.Green("true")
		}
		requiredStr := "optional"
		if r.required {
			requiredStr = "required"
		}

		tableData = append(tableData, []string{name, trackedStr, enabledStr, requiredStr})
	}

	summary := fmt.Sprintf("Summary: %d tracked, %d expected but missing (%d total)",
		trackedCount, missingCount, len(names))

	if pterm.RawOutput {
		for _, row := range tableData[1:] {
			fmt.Println(row[0] + "\t" + row[1] + "\t" + row[2] + "\t" + row[3])
		}
		fmt.Println(summary)
	} else {
		_ = pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
		pterm.Info.Println(summary)
	}
}
