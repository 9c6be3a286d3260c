package nimble

import (
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// DefaultAppID is the Steam application ID used when the caller does not
// override it.
const DefaultAppID = "107410"

// BuildLaunchURL constructs the steam://run/<appid>//<percent-encoded-args>/
// handoff URL described in spec.md §6 "Game launch (external)". modPaths are
// the cached mod directories; they are sorted by name for determinism.
// Non-Windows hosts rewrite any path containing a "drive_c" ancestor segment
// to "c:/<relative>" before composition.
func BuildLaunchURL(appID string, modPaths []string, clientParameters string) string {
	if appID == "" {
		appID = DefaultAppID
	}

	sorted := make([]string, len(modPaths))
	copy(sorted, modPaths)
	sort.Strings(sorted)

	rewritten := make([]string, len(sorted))
	for i, p := range sorted {
		if runtime.GOOS == "windows" {
			rewritten[i] = p
			continue
		}
		rewritten[i] = rewriteDriveC(p)
	}

	args := "-noLauncher -mod=" + strings.Join(rewritten, ";")
	if clientParameters != "" {
		args = args + " " + clientParameters
	}

	return fmt.Sprintf("steam://run/%s//%s/", appID, url.PathEscape(args))
}

// rewriteDriveC rewrites a host path containing a "drive_c" ancestor
// segment to "c:/<relative>", per spec.md §6. Paths without such an
// ancestor are forward-slash normalized unchanged.
func rewriteDriveC(path string) string {
	slashPath := filepath.ToSlash(path)
	segments := strings.Split(slashPath, "/")
	for i, seg := range segments {
		if strings.EqualFold(seg, "drive_c") {
			rest := segments[i+1:]
			return "c:/" + strings.Join(rest, "/")
		}
	}
	return slashPath
}
