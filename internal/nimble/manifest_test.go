package nimble

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScanMod(t *testing.T) {
	t.Run("builds sorted manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "b.txt", "bbb")
		writeFile(t, dir, "A.txt", "aaa")
		writeFile(t, dir, "sub/c.txt", "ccc")
		writeFile(t, dir, "mod.srf", "should be skipped")

		m, err := ScanMod("mymod", dir)
		if err != nil {
			t.Fatalf("ScanMod: %v", err)
		}
		if len(m.Files) != 3 {
			t.Fatalf("len(Files) = %d; want 3", len(m.Files))
		}
		for i := 1; i < len(m.Files); i++ {
			if !lessFold(m.Files[i-1].Path, m.Files[i].Path) {
				t.Errorf("Files not sorted: %q before %q", m.Files[i-1].Path, m.Files[i].Path)
			}
		}
		if m.Digest.IsZero() {
			t.Error("aggregate digest should not be zero for a non-empty mod")
		}
	})

	t.Run("detects case conflicts", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "readme.txt", "one")
		writeFile(t, dir, "README.txt", "two")

		_, err := ScanMod("mymod", dir)
		var scanErr *ScanError
		if !errors.As(err, &scanErr) {
			t.Fatalf("expected *ScanError, got %v", err)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := ScanMod("mymod", filepath.Join(t.TempDir(), "absent"))
		if !errors.Is(err, ErrScan) {
			t.Fatalf("expected ErrScan, got %v", err)
		}
	})

	t.Run("scanning is deterministic across runs", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "one.pak", "1")
		writeFile(t, dir, "two.pak", "22")

		first, err := ScanMod("mymod", dir)
		if err != nil {
			t.Fatalf("ScanMod: %v", err)
		}
		second, err := ScanMod("mymod", dir)
		if err != nil {
			t.Fatalf("ScanMod: %v", err)
		}
		if first.Digest != second.Digest {
			t.Error("aggregate digest differs between identical scans")
		}
	})
}

func TestSynthesizeInvalid(t *testing.T) {
	remote := ModManifest{Name: "remote-mod", Digest: DigestBytes([]byte("x"))}
	got := SynthesizeInvalid(remote)
	if got.Name != remote.Name {
		t.Errorf("Name = %q; want %q", got.Name, remote.Name)
	}
	if !got.Digest.IsZero() {
		t.Error("expected zero digest")
	}
	if len(got.Files) != 0 {
		t.Error("expected no files")
	}
}

func TestModManifestWriteAndParseRoundTrip(t *testing.T) {
	m := ModManifest{
		Name:   "roundtrip",
		Digest: DigestBytes([]byte("agg")),
		Files: []FileEntry{
			{Path: "b.txt", Length: 3, Digest: DigestBytes([]byte("b"))},
			{Path: "a.txt", Length: 1, Digest: DigestBytes([]byte("a"))},
		},
	}

	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	parsed, err := ParseManifest(&buf)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if parsed.Name != m.Name || parsed.Digest != m.Digest {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, m)
	}
	if len(parsed.Files) != 2 || parsed.Files[0].Path != "a.txt" {
		t.Fatalf("expected canonical sorted order, got %+v", parsed.Files)
	}
}

func TestParseManifestLegacy(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NSRF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1))
	buf.WriteString("legacy-mod\n")
	agg := DigestBytes([]byte("agg"))
	buf.WriteString(agg.Hex() + "\n")
	fd := DigestBytes([]byte("file"))
	buf.WriteString("path/to/file.pak\t1234\t" + fd.Hex() + "\n")

	m, err := ParseManifest(&buf)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Name != "legacy-mod" {
		t.Errorf("Name = %q; want legacy-mod", m.Name)
	}
	if m.Digest != agg {
		t.Error("aggregate digest mismatch")
	}
	if len(m.Files) != 1 || m.Files[0].Path != "path/to/file.pak" || m.Files[0].Length != 1234 {
		t.Fatalf("unexpected files: %+v", m.Files)
	}

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.NewBufferString("XXXX" + string([]byte{1, 0, 0, 0}))
		if _, err := ParseManifest(bad); !errors.Is(err, ErrLegacyParse) {
			t.Fatalf("expected ErrLegacyParse, got %v", err)
		}
	})
}

func TestParseManifestEmpty(t *testing.T) {
	_, err := ParseManifest(bytes.NewBufferString("   \n\t"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse for empty input, got %v", err)
	}
}

func TestExtractPartialChecksum(t *testing.T) {
	agg := DigestBytes([]byte("partial"))

	t.Run("finds checksum in truncated document", func(t *testing.T) {
		partial := []byte(`{"Name":"mymod","Checksum":"` + agg.Hex() + `","Files":[{"Pat`)
		got, err := ExtractPartialChecksum(partial)
		if err != nil {
			t.Fatalf("ExtractPartialChecksum: %v", err)
		}
		if got != agg {
			t.Errorf("got %s; want %s", got.Hex(), agg.Hex())
		}
	})

	t.Run("case-insensitive field name", func(t *testing.T) {
		partial := []byte(`{"name":"mymod","checksum":"` + agg.Hex() + `"`)
		if _, err := ExtractPartialChecksum(partial); err != nil {
			t.Fatalf("ExtractPartialChecksum: %v", err)
		}
	})

	t.Run("not JSON", func(t *testing.T) {
		_, err := ExtractPartialChecksum([]byte("not json at all"))
		if !errors.Is(err, ErrPartialChecksum) {
			t.Fatalf("expected ErrPartialChecksum, got %v", err)
		}
	})

	t.Run("missing checksum field", func(t *testing.T) {
		if _, err := ExtractPartialChecksum([]byte(`{"Name":"mymod"`)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("truncated mid-value", func(t *testing.T) {
		if _, err := ExtractPartialChecksum([]byte(`{"Checksum":"abcd`)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func lessFold(a, b string) bool {
	return strings.ToLower(a) <= strings.ToLower(b)
}
