package nimble

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// RemoteMod is a single entry in RepoManifest.RequiredMods/OptionalMods.
type RemoteMod struct {
	Name    string
	Digest  Digest
	Enabled bool
}

// Server describes a game server entry published in the repo manifest.
type Server struct {
	Name      string
	Address   string
	Port      int
	Password  string
	BattleEye bool
}

// BasicAuthentication carries optional repository-wide HTTP basic auth
// credentials, threaded into every subsequent HTTP request the
// orchestrator issues (manifest probes, full manifest fetches, file
// downloads), per SPEC_FULL.md §9.4.
type BasicAuthentication struct {
	Username string
	Password string
}

// RepoManifest is the remote repository manifest (repo.json).
type RepoManifest struct {
	Name             string
	Checksum         string
	Version          string
	ClientParameters string
	RequiredMods     []RemoteMod
	OptionalMods     []RemoteMod
	Servers          []Server
	BasicAuth        *BasicAuthentication
}

// AllMods returns RequiredMods followed by OptionalMods, the order used by
// DiffRepo (spec.md §4.5).
func (r RepoManifest) AllMods() []RemoteMod {
	all := make([]RemoteMod, 0, len(r.RequiredMods)+len(r.OptionalMods))
	all = append(all, r.RequiredMods...)
	all = append(all, r.OptionalMods...)
	return all
}

// repoManifestJSON mirrors the camelCase wire schema of spec.md §6,
// tolerant of port-as-number-or-string and an over-length checksum.
type repoManifestJSON struct {
	RepoName         string           `json:"repoName"`
	Checksum         string           `json:"checksum"`
	Version          string           `json:"version"`
	ClientParameters string           `json:"clientParameters"`
	RequiredMods     []remoteModJSON  `json:"requiredMods"`
	OptionalMods     []remoteModJSON  `json:"optionalMods"`
	Servers          []serverJSON     `json:"servers"`
	BasicAuth        *basicAuthJSON   `json:"repoBasicAuthentication"`
}

type remoteModJSON struct {
	ModName  string `json:"modName"`
	CheckSum string `json:"checkSum"`
	Enabled  bool   `json:"enabled"`
}

type serverJSON struct {
	Name      string          `json:"name"`
	Address   string          `json:"address"`
	Port      json.RawMessage `json:"port"`
	Password  string          `json:"password"`
	BattleEye bool            `json:"battleEye"`
}

type basicAuthJSON struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func parsePort(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, nil
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		asStr = strings.TrimSpace(asStr)
		if asStr == "" {
			return 0, nil
		}
		return strconv.Atoi(asStr)
	}
	return 0, fmt.Errorf("port is neither number nor string: %s", string(raw))
}

func normalizeChecksum(s string) string {
	if len(s) > DigestSize*2 {
		return s[:DigestSize*2]
	}
	return s
}

// ParseRepoManifest decodes a RepoManifest from JSON, validating that every
// embedded mod digest parses.
func ParseRepoManifest(r io.Reader) (RepoManifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return RepoManifest{}, fmt.Errorf("%w: %v", ErrIo, err)
	}
	raw = stripBOM(raw)

	var doc repoManifestJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return RepoManifest{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	convert := func(mods []remoteModJSON) ([]RemoteMod, error) {
		out := make([]RemoteMod, 0, len(mods))
		for _, m := range mods {
			d, err := DigestFromHex(normalizeChecksum(m.CheckSum))
			if err != nil {
				return nil, fmt.Errorf("%w: mod %q: %v", ErrParse, m.ModName, err)
			}
			out = append(out, RemoteMod{Name: m.ModName, Digest: d, Enabled: m.Enabled})
		}
		return out, nil
	}

	required, err := convert(doc.RequiredMods)
	if err != nil {
		return RepoManifest{}, err
	}
	optional, err := convert(doc.OptionalMods)
	if err != nil {
		return RepoManifest{}, err
	}

	servers := make([]Server, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		port, err := parsePort(s.Port)
		if err != nil {
			return RepoManifest{}, fmt.Errorf("%w: server %q: %v", ErrParse, s.Name, err)
		}
		servers = append(servers, Server{
			Name:      s.Name,
			Address:   s.Address,
			Port:      port,
			Password:  s.Password,
			BattleEye: s.BattleEye,
		})
	}

	var auth *BasicAuthentication
	if doc.BasicAuth != nil {
		auth = &BasicAuthentication{Username: doc.BasicAuth.Username, Password: doc.BasicAuth.Password}
	}

	return RepoManifest{
		Name:             doc.RepoName,
		Checksum:         normalizeChecksum(doc.Checksum),
		Version:          doc.Version,
		ClientParameters: doc.ClientParameters,
		RequiredMods:     required,
		OptionalMods:     optional,
		Servers:          servers,
		BasicAuth:        auth,
	}, nil
}

// NormalizeRepoURL strips trailing slashes from base and appends repo.json
// if the path doesn't already name a resource, per spec.md §6.
func NormalizeRepoURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(strings.ToLower(base), ".json") {
		return base
	}
	return base + "/repo.json"
}

// JoinRepoPath appends a backslash-normalized suffix path to a
// trailing-slash-stripped base URL, per spec.md §6's URL normalization
// rule.
func JoinRepoPath(base string, suffix string) string {
	base = strings.TrimRight(base, "/")
	suffix = strings.ReplaceAll(suffix, "\\", "/")
	suffix = strings.TrimLeft(suffix, "/")
	return base + "/" + suffix
}

// FetchRepoManifest GETs and parses the repo manifest at url.
func FetchRepoManifest(ctx context.Context, client *http.Client, baseURL string) (RepoManifest, error) {
	fullURL := NormalizeRepoURL(baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return RepoManifest{}, fmt.Errorf("%w: %v", ErrHttp, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return RepoManifest{}, &HttpError{URL: fullURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RepoManifest{}, &HttpError{URL: fullURL, Status: resp.StatusCode}
	}

	manifest, err := ParseRepoManifest(resp.Body)
	if err != nil {
		return RepoManifest{}, err
	}
	return manifest, nil
}

// ComputeAggregateChecksum folds the ordered (mod_name, mod_digest) pairs of
// RequiredMods then OptionalMods, the version, and the client parameters
// into a Digest. Used by the repository-authoring path; never verified
// against the remote by consumers (spec.md §4.3).
func (r RepoManifest) ComputeAggregateChecksum() Digest {
	h := newContentHash()
	for _, m := range r.AllMods() {
		h.Write([]byte(m.Name))       //nolint:errcheck
		h.Write([]byte(m.Digest.Hex())) //nolint:errcheck
	}
	h.Write([]byte(r.Version))          //nolint:errcheck
	h.Write([]byte(r.ClientParameters)) //nolint:errcheck
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
