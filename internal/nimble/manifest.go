package nimble

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// srfFileName is the per-mod manifest file name, always excluded from its
// own file listing.
const srfFileName = "mod.srf"

// FileEntry is a single file's record within a ModManifest.
type FileEntry struct {
	// Path is relative to the mod directory, forward-slash normalized,
	// case preserved (compared case-insensitively).
	Path   string
	Length int64
	Digest Digest
}

// ModManifest is the per-mod manifest (SRF): name, aggregate digest, and the
// file listing. Files is kept in canonical sorted-by-lowercased-path order.
type ModManifest struct {
	Name   string
	Digest Digest
	Files  []FileEntry
}

// srfCurrentDoc is the current JSON encoding, field names case-insensitively
// decoded per spec.md §6.
type srfCurrentDoc struct {
	Name     string        `json:"Name"`
	Checksum string        `json:"Checksum"`
	Files    []srfFileJSON `json:"Files"`
}

type srfFileJSON struct {
	Path     string `json:"Path"`
	Length   uint64 `json:"Length"`
	Checksum string `json:"Checksum"`
}

// ScanMod walks dir recursively, producing a ModManifest for name. The SRF
// file itself (mod.srf) is always skipped. Entries are sorted by lowercased
// path before the aggregate digest is folded, so scanning is deterministic
// across hosts regardless of directory-enumeration order.
//
// Fails with ErrScan if dir is not a directory, or if two entries fold to
// the same lowercased path (a case conflict). Fails with ErrIo on any read
// error encountered while hashing a file.
func ScanMod(name, dir string) (ModManifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return ModManifest{}, fmt.Errorf("%w: %v", ErrScan, err)
	}
	if !info.IsDir() {
		return ModManifest{}, &ScanError{Dir: dir, Reason: "not a directory"}
	}

	var entries []FileEntry
	seen := make(map[string]string) // lowercased path -> original path

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == srfFileName {
			return nil
		}

		lower := strings.ToLower(rel)
		if prior, ok := seen[lower]; ok && prior != rel {
			return &ScanError{Dir: dir, Reason: fmt.Sprintf("case conflict between %q and %q", prior, rel)}
		}
		seen[lower] = rel

		fi, err := d.Info()
		if err != nil {
			return err
		}

		digest, err := FileDigest(path)
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{
			Path:   rel,
			Length: fi.Size(),
			Digest: digest,
		})
		return nil
	})
	if walkErr != nil {
		var scanErr *ScanError
		if errors.As(walkErr, &scanErr) {
			return ModManifest{}, scanErr
		}
		return ModManifest{}, fmt.Errorf("%w: walking %s: %v", ErrIo, dir, walkErr)
	}

	sortEntries(entries)

	return ModManifest{
		Name:   name,
		Digest: aggregateDigest(name, entries),
		Files:  entries,
	}, nil
}

// sortEntries orders entries by lowercased path, the canonical order
// required for cross-host serialization determinism.
func sortEntries(entries []FileEntry) {
	slices.SortFunc(entries, func(a, b FileEntry) int {
		return cmp.Compare(strings.ToLower(a.Path), strings.ToLower(b.Path))
	})
}

// aggregateDigest folds the ordered pairs (lowercased path, per-file digest
// hex, decimal length) into a single digest initialized from the mod name,
// per spec.md §3's ModManifest invariant. Entries must already be sorted.
func aggregateDigest(name string, entries []FileEntry) Digest {
	h := newContentHash()
	h.Write([]byte(name)) //nolint:errcheck
	for _, e := range entries {
		h.Write([]byte(strings.ToLower(e.Path))) //nolint:errcheck
		h.Write([]byte(e.Digest.Hex()))          //nolint:errcheck
		h.Write([]byte(strconv.FormatInt(e.Length, 10))) //nolint:errcheck
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// SynthesizeInvalid constructs a placeholder manifest bearing remote's name
// and an all-zero digest with no files. Used when a local mod directory is
// absent, guaranteeing the subsequent diff reports every remote file as
// needed.
func SynthesizeInvalid(remote ModManifest) ModManifest {
	return ModManifest{
		Name:   remote.Name,
		Digest: ZeroDigest,
		Files:  nil,
	}
}

// Write serializes m using the current JSON encoding, entries emitted in
// canonical sorted order, with no trailing whitespace guarantees.
func (m ModManifest) Write(w io.Writer) error {
	entries := slices.Clone(m.Files)
	sortEntries(entries)

	doc := srfCurrentDoc{
		Name:     m.Name,
		Checksum: m.Digest.Hex(),
		Files:    make([]srfFileJSON, len(entries)),
	}
	for i, e := range entries {
		doc.Files[i] = srfFileJSON{
			Path:     e.Path,
			Length:   uint64(e.Length),
			Checksum: e.Digest.Hex(),
		}
	}

	enc := json.NewEncoder(w)
	return enc.Encode(doc)
}

// ParseManifest reads either the current JSON encoding or a legacy encoding,
// selecting by peeking the first non-whitespace byte after stripping a
// leading UTF-8 BOM: '{' selects the current parser, anything else selects
// the legacy parser.
func ParseManifest(r io.Reader) (ModManifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return ModManifest{}, fmt.Errorf("%w: %v", ErrIo, err)
	}
	raw = stripBOM(raw)

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return ModManifest{}, fmt.Errorf("%w: empty manifest", ErrParse)
	}

	if trimmed[0] == '{' {
		return parseCurrentManifest(trimmed)
	}
	return parseLegacyManifest(trimmed)
}

func stripBOM(b []byte) []byte {
	const bom = "\xef\xbb\xbf"
	if bytes.HasPrefix(b, []byte(bom)) {
		return b[len(bom):]
	}
	return b
}

func parseCurrentManifest(raw []byte) (ModManifest, error) {
	var doc srfCurrentDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return ModManifest{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	digest, err := DigestFromHex(doc.Checksum)
	if err != nil && doc.Checksum != "" {
		return ModManifest{}, fmt.Errorf("%w: invalid checksum: %v", ErrParse, err)
	}

	entries := make([]FileEntry, 0, len(doc.Files))
	for _, f := range doc.Files {
		fd, err := DigestFromHex(f.Checksum)
		if err != nil {
			return ModManifest{}, fmt.Errorf("%w: invalid file checksum for %q: %v", ErrParse, f.Path, err)
		}
		entries = append(entries, FileEntry{
			Path:   filepath.ToSlash(f.Path),
			Length: int64(f.Length),
			Digest: fd,
		})
	}
	sortEntries(entries)

	return ModManifest{
		Name:   doc.Name,
		Digest: digest,
		Files:  entries,
	}, nil
}

// legacyMagic is the 4-byte magic "NSRF" that opens the 8-byte header of
// the legacy line-oriented SRF encoding; a uint32 little-endian format
// version follows it.
var legacyMagic = [4]byte{'N', 'S', 'R', 'F'}

// parseLegacyManifest decodes the legacy text format: an 8-byte
// magic/version header, a name line, a checksum line, then one
// tab-separated "path\tlength\tchecksum" entry per line.
func parseLegacyManifest(raw []byte) (ModManifest, error) {
	if len(raw) < 8 {
		return ModManifest{}, fmt.Errorf("%w: truncated header", ErrLegacyParse)
	}
	if [4]byte(raw[0:4]) != legacyMagic {
		return ModManifest{}, fmt.Errorf("%w: bad magic", ErrLegacyParse)
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version != 1 {
		return ModManifest{}, fmt.Errorf("%w: unsupported legacy version %d", ErrLegacyParse, version)
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw[8:]))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if !scanner.Scan() {
		return ModManifest{}, fmt.Errorf("%w: missing name line", ErrLegacyParse)
	}
	name := scanner.Text()

	if !scanner.Scan() {
		return ModManifest{}, fmt.Errorf("%w: missing checksum line", ErrLegacyParse)
	}
	digest, err := DigestFromHex(scanner.Text())
	if err != nil {
		return ModManifest{}, fmt.Errorf("%w: bad aggregate checksum: %v", ErrLegacyParse, err)
	}

	var entries []FileEntry
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			return ModManifest{}, fmt.Errorf("%w: malformed entry line %q", ErrLegacyParse, line)
		}
		length, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return ModManifest{}, fmt.Errorf("%w: bad length in %q: %v", ErrLegacyParse, line, err)
		}
		fd, err := DigestFromHex(parts[2])
		if err != nil {
			return ModManifest{}, fmt.Errorf("%w: bad file checksum in %q: %v", ErrLegacyParse, line, err)
		}
		entries = append(entries, FileEntry{
			Path:   filepath.ToSlash(parts[0]),
			Length: length,
			Digest: fd,
		})
	}
	if err := scanner.Err(); err != nil {
		return ModManifest{}, fmt.Errorf("%w: %v", ErrLegacyParse, err)
	}

	sortEntries(entries)
	return ModManifest{Name: name, Digest: digest, Files: entries}, nil
}

// ExtractPartialChecksum extracts the aggregate digest from the first bytes
// of a JSON-encoded manifest (intended for a short Range-limited read, see
// spec.md §4.2) without fully parsing the document. It locates the
// Checksum/checksum field case-insensitively, with or without a space after
// the colon, and validates the quoted value as 32 hex characters.
func ExtractPartialChecksum(partial []byte) (Digest, error) {
	partial = stripBOM(partial)
	trimmed := bytes.TrimLeft(partial, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ZeroDigest, &PartialChecksumError{Kind: NoJsonStart}
	}

	idx := findChecksumField(trimmed)
	if idx < 0 {
		return ZeroDigest, &PartialChecksumError{Kind: NoChecksumField}
	}

	rest := trimmed[idx:]
	// Skip to the opening quote of the value.
	colon := bytes.IndexByte(rest, ':')
	if colon < 0 {
		return ZeroDigest, &PartialChecksumError{Kind: Malformed}
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t")
	if len(rest) == 0 || rest[0] != '"' {
		return ZeroDigest, &PartialChecksumError{Kind: Malformed}
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return ZeroDigest, &PartialChecksumError{Kind: Malformed}
	}
	value := rest[:end]

	if len(value) != DigestSize*2 {
		return ZeroDigest, &PartialChecksumError{Kind: InvalidLength}
	}
	if _, err := hex.DecodeString(string(value)); err != nil {
		return ZeroDigest, &PartialChecksumError{Kind: NonHex}
	}

	return DigestFromHex(string(value))
}

// findChecksumField locates the first case-insensitive quoted key
// "checksum" in a raw JSON byte slice. Returns the index just past the
// key's closing quote, or -1 if not found; the colon and any spacing after
// it are left to the caller.
func findChecksumField(doc []byte) int {
	lower := bytes.ToLower(doc)
	key := []byte(`"checksum"`)
	i := bytes.Index(lower, key)
	if i < 0 {
		return -1
	}
	return i + len(key)
}
