package nimble

import (
	"os"
	"path/filepath"
	"strings"
)

// DownloadTask describes a single file that needs fetching: the mod-
// relative path on the remote and its expected length.
type DownloadTask struct {
	ModName string
	Path    string
	Length  int64
	Digest  Digest
}

// DeleteTask describes a single local file, no longer present remotely,
// that should be removed.
type DeleteTask struct {
	ModName string
	Path    string
}

// DiffRepo returns every mod in remote's RequiredMods ∪ OptionalMods whose
// digest is not already a key in cache.Mods, preserving the remote
// manifest's order (spec.md §4.5 "Repo-level diff").
func DiffRepo(cache ModCache, remote RepoManifest) []RemoteMod {
	var out []RemoteMod
	for _, m := range remote.AllMods() {
		if !cache.Contains(m.Digest) {
			out = append(out, m)
		}
	}
	return out
}

// QuickDiffResult is the outcome of QuickDiff.
type QuickDiffResult int

const (
	UpToDate QuickDiffResult = iota
	NeedsFull
)

// QuickDiff is the partial-manifest-driven fast path that avoids a full
// per-mod manifest fetch for unchanged mods (spec.md §4.5). If
// <base>/<remoteMod.Name>/mod.srf is absent, NeedsFull is returned.
// Otherwise its aggregate digest is compared against partialDigest.
func QuickDiff(base string, remoteMod RemoteMod, partialDigest Digest) (QuickDiffResult, error) {
	srfPath := filepath.Join(base, remoteMod.Name, srfFileName)
	f, err := os.Open(srfPath) // #nosec G304 - base and mod name originate from the trusted local sync target and remote manifest.
	if err != nil {
		if os.IsNotExist(err) {
			return NeedsFull, nil
		}
		return NeedsFull, nil // per spec.md §7: quick-diff failures degrade to NeedsFull
	}
	defer f.Close()

	local, err := ParseManifest(f)
	if err != nil {
		return NeedsFull, nil
	}

	if local.Digest == partialDigest {
		return UpToDate, nil
	}
	return NeedsFull, nil
}

// DiffMod computes the file-level downloads and deletes needed to bring
// <base>/<remoteMod.Name> into agreement with remoteManifest (spec.md §4.5
// "Mod-level diff").
//
// If force is set, the local mod.srf is removed first so the local manifest
// is reconstructed by scan. The mod directory is created if absent. The
// local manifest is obtained by: parsing mod.srf if present; else scanning
// the directory if it exists (and persisting the scan result); else
// synthesizing an invalid placeholder from remoteManifest.
func DiffMod(base string, remoteMod RemoteMod, remoteManifest ModManifest, force bool) ([]DownloadTask, []DeleteTask, error) {
	modDir := filepath.Join(base, remoteMod.Name)
	srfPath := filepath.Join(modDir, srfFileName)

	if force {
		_ = os.Remove(srfPath)
	}

	if err := os.MkdirAll(modDir, 0o755); err != nil {
		return nil, nil, &ScanError{Dir: modDir, Reason: err.Error()}
	}

	local, dirExisted, err := localManifestFor(modDir, srfPath, remoteManifest)
	if err != nil {
		return nil, nil, err
	}

	if local.Digest == remoteManifest.Digest && len(local.Files) == len(remoteManifest.Files) && dirExisted {
		return nil, nil, nil
	}

	localIndex := make(map[string]FileEntry, len(local.Files))
	for _, e := range local.Files {
		localIndex[strings.ToLower(e.Path)] = e
	}

	var downloads []DownloadTask
	for _, rf := range remoteManifest.Files {
		key := strings.ToLower(rf.Path)
		lf, ok := localIndex[key]
		delete(localIndex, key)

		if ok && lf.Digest == rf.Digest {
			continue
		}

		// Verify-before-fetch: a file already on disk at the expected
		// relative path may already hash to the expected digest even if
		// the manifest entry disagreed or was absent.
		onDiskPath := filepath.Join(modDir, filepath.FromSlash(rf.Path))
		if verifyOnDisk(onDiskPath, rf.Digest) {
			continue
		}

		downloads = append(downloads, DownloadTask{
			ModName: remoteMod.Name,
			Path:    rf.Path,
			Length:  rf.Length,
			Digest:  rf.Digest,
		})
	}

	var deletes []DeleteTask
	for _, remaining := range localIndex {
		deletes = append(deletes, DeleteTask{ModName: remoteMod.Name, Path: remaining.Path})
	}

	return downloads, deletes, nil
}

func verifyOnDisk(path string, expected Digest) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	d, err := FileDigest(path)
	if err != nil {
		return false
	}
	return d == expected
}

// localManifestFor implements the three-way fallback of spec.md §4.5: parse
// mod.srf if present; else scan the directory if it exists (persisting the
// scan); else synthesize an invalid placeholder. The directory is always
// present by the time this runs (DiffMod just created it if absent), so
// "the directory exists" is read as "the directory already held content or
// a manifest" — an empty, just-created directory is treated the same as a
// missing one for the up-to-date short-circuit in DiffMod.
func localManifestFor(modDir, srfPath string, remoteManifest ModManifest) (ModManifest, bool, error) {
	if f, err := os.Open(srfPath); err == nil { // #nosec G304 - srfPath is derived from the trusted sync base directory.
		defer f.Close()
		m, err := ParseManifest(f)
		if err != nil {
			return ModManifest{}, true, err
		}
		return m, true, nil
	}

	entries, err := os.ReadDir(modDir)
	if err != nil {
		return ModManifest{}, false, &ScanError{Dir: modDir, Reason: err.Error()}
	}
	if len(entries) > 0 {
		m, err := ScanMod(remoteManifest.Name, modDir)
		if err != nil {
			return ModManifest{}, true, err
		}
		if wf, err := os.Create(srfPath); err == nil { // #nosec G304 - srfPath is derived from the trusted sync base directory.
			_ = m.Write(wf)
			_ = wf.Close()
		}
		return m, true, nil
	}

	return SynthesizeInvalid(remoteManifest), false, nil
}
