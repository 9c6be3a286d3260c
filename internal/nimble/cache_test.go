package nimble

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadModCacheMissingFile(t *testing.T) {
	dir := t.TempDir()
	cache, err := LoadModCache(dir)
	if err != nil {
		t.Fatalf("LoadModCache: %v", err)
	}
	if cache.Version != CacheSchemaVersion {
		t.Errorf("Version = %d; want %d", cache.Version, CacheSchemaVersion)
	}
	if len(cache.Mods) != 0 {
		t.Errorf("expected empty cache, got %d entries", len(cache.Mods))
	}
}

func TestLoadModCacheCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CacheFileName)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := LoadModCache(dir)
	if !errors.Is(err, ErrCacheCorrupt) {
		t.Fatalf("expected ErrCacheCorrupt, got %v", err)
	}
}

func TestModCacheSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cache := NewModCache()
	digest := DigestBytes([]byte("mymod"))
	cache.Insert(ModManifest{Name: "mymod", Digest: digest})

	repo := RepoManifest{
		Name:         "my-repo",
		Version:      "2.0",
		RequiredMods: []RemoteMod{{Name: "mymod", Digest: digest, Enabled: true}},
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache.MarkSynced(repo, now)

	if err := cache.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadModCache(dir)
	if err != nil {
		t.Fatalf("LoadModCache: %v", err)
	}
	if !reloaded.Contains(digest) {
		t.Error("expected reloaded cache to contain inserted digest")
	}
	if reloaded.Mods[digest].Name != "mymod" {
		t.Errorf("Name = %q; want mymod", reloaded.Mods[digest].Name)
	}
	if reloaded.Repository == nil || reloaded.Repository.Name != "my-repo" {
		t.Fatalf("unexpected Repository: %+v", reloaded.Repository)
	}
	if !reloaded.LastSync.Equal(now) {
		t.Errorf("LastSync = %v; want %v", reloaded.LastSync, now)
	}
}

func TestModCacheRemove(t *testing.T) {
	cache := NewModCache()
	digest := DigestBytes([]byte("removable"))
	cache.Insert(ModManifest{Name: "removable", Digest: digest})
	if !cache.Contains(digest) {
		t.Fatal("expected cache to contain inserted digest")
	}
	cache.Remove(digest)
	if cache.Contains(digest) {
		t.Error("expected digest to be removed")
	}

	t.Run("remove absent digest is a no-op", func(t *testing.T) {
		cache.Remove(ZeroDigest)
	})
}
