package nimble

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CacheFileName is the on-disk file name for the ModCache, relative to the
// sync base directory.
const CacheFileName = "nimble-cache.json"

// CacheSchemaVersion is the current ModCache schema version.
const CacheSchemaVersion = 1

// CacheEntry records the tracked name for a mod keyed by its aggregate
// digest in the ModCache.
type CacheEntry struct {
	Name string
}

// ModCache is the on-disk record of locally installed mods, persisted at
// <base>/nimble-cache.json.
type ModCache struct {
	Version    int
	Mods       map[Digest]CacheEntry
	Repository *RepoManifest
	LastSync   time.Time
	LastUpdate time.Time
}

// NewModCache returns an empty cache at the current schema version.
func NewModCache() ModCache {
	return ModCache{
		Version: CacheSchemaVersion,
		Mods:    make(map[Digest]CacheEntry),
	}
}

type cacheEntryJSON struct {
	Name string `json:"name"`
}

type cacheFileJSON struct {
	Version    int                       `json:"version"`
	Mods       map[string]cacheEntryJSON `json:"mods"`
	Repository *repoManifestJSON         `json:"repository"`
	LastSync   *time.Time                `json:"last_sync"`
	LastUpdate *time.Time                `json:"last_updated"`
}

// LoadModCache reads <base>/nimble-cache.json. A missing file returns an
// empty cache rather than erroring; any other I/O or parse failure is
// surfaced as ErrCacheCorrupt.
func LoadModCache(base string) (ModCache, error) {
	path := filepath.Join(base, CacheFileName)
	raw, err := os.ReadFile(path) // #nosec G304 - base is caller-owned sync target directory.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewModCache(), nil
		}
		return ModCache{}, fmt.Errorf("%w: reading %s: %v", ErrCacheCorrupt, path, err)
	}

	var doc cacheFileJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ModCache{}, fmt.Errorf("%w: decoding %s: %v", ErrCacheCorrupt, path, err)
	}

	cache := ModCache{
		Version: doc.Version,
		Mods:    make(map[Digest]CacheEntry, len(doc.Mods)),
	}
	for hexKey, entry := range doc.Mods {
		d, err := DigestFromHex(hexKey)
		if err != nil {
			return ModCache{}, fmt.Errorf("%w: bad digest key %q: %v", ErrCacheCorrupt, hexKey, err)
		}
		cache.Mods[d] = CacheEntry{Name: entry.Name}
	}

	if doc.Repository != nil {
		repo, err := repoManifestFromJSONDoc(*doc.Repository)
		if err != nil {
			return ModCache{}, fmt.Errorf("%w: decoding cached repository: %v", ErrCacheCorrupt, err)
		}
		cache.Repository = &repo
	}
	if doc.LastSync != nil {
		cache.LastSync = *doc.LastSync
	}
	if doc.LastUpdate != nil {
		cache.LastUpdate = *doc.LastUpdate
	}

	return cache, nil
}

// repoManifestFromJSONDoc converts an already-decoded wire document into a
// RepoManifest, reusing the same conversion ParseRepoManifest applies to a
// freshly-read byte stream.
func repoManifestFromJSONDoc(doc repoManifestJSON) (RepoManifest, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return RepoManifest{}, err
	}
	return ParseRepoManifest(bytes.NewReader(raw))
}

// Save serializes the cache to a temporary file in base, then renames it
// over nimble-cache.json for atomic replacement on the local filesystem.
func (c ModCache) Save(base string) error {
	doc := cacheFileJSON{
		Version: c.Version,
		Mods:    make(map[string]cacheEntryJSON, len(c.Mods)),
	}
	for d, entry := range c.Mods {
		doc.Mods[d.Hex()] = cacheEntryJSON{Name: entry.Name}
	}
	if c.Repository != nil {
		repoDoc := toRepoManifestJSON(*c.Repository)
		doc.Repository = &repoDoc
	}
	if !c.LastSync.IsZero() {
		t := c.LastSync.UTC()
		doc.LastSync = &t
	}
	if !c.LastUpdate.IsZero() {
		t := c.LastUpdate.UTC()
		doc.LastUpdate = &t
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshalling cache: %v", ErrIo, err)
	}

	path := filepath.Join(base, CacheFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrIo, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrIo, tmp, path, err)
	}
	return nil
}

func toRepoManifestJSON(r RepoManifest) repoManifestJSON {
	convert := func(mods []RemoteMod) []remoteModJSON {
		out := make([]remoteModJSON, 0, len(mods))
		for _, m := range mods {
			out = append(out, remoteModJSON{ModName: m.Name, CheckSum: m.Digest.Hex(), Enabled: m.Enabled})
		}
		return out
	}
	servers := make([]serverJSON, 0, len(r.Servers))
	for _, s := range r.Servers {
		portRaw, _ := json.Marshal(s.Port)
		servers = append(servers, serverJSON{
			Name:      s.Name,
			Address:   s.Address,
			Port:      portRaw,
			Password:  s.Password,
			BattleEye: s.BattleEye,
		})
	}
	var auth *basicAuthJSON
	if r.BasicAuth != nil {
		auth = &basicAuthJSON{Username: r.BasicAuth.Username, Password: r.BasicAuth.Password}
	}
	return repoManifestJSON{
		RepoName:         r.Name,
		Checksum:         r.Checksum,
		Version:          r.Version,
		ClientParameters: r.ClientParameters,
		RequiredMods:     convert(r.RequiredMods),
		OptionalMods:     convert(r.OptionalMods),
		Servers:          servers,
		BasicAuth:        auth,
	}
}

// Insert records manifest's digest -> name mapping.
func (c ModCache) Insert(manifest ModManifest) {
	c.Mods[manifest.Digest] = CacheEntry{Name: manifest.Name}
}

// Remove deletes digest's entry if present; silent otherwise.
func (c ModCache) Remove(digest Digest) {
	delete(c.Mods, digest)
}

// Contains reports whether digest is a key in the cache.
func (c ModCache) Contains(digest Digest) bool {
	_, ok := c.Mods[digest]
	return ok
}

// MarkSynced records repository and the sync timestamp.
func (c *ModCache) MarkSynced(repo RepoManifest, now time.Time) {
	c.Repository = &repo
	c.LastSync = now
}
