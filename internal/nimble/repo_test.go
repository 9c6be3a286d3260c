package nimble

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseRepoManifest(t *testing.T) {
	agg := DigestBytes([]byte("aggregate"))
	body := `{
		"repoName": "test-repo",
		"checksum": "` + agg.Hex() + `",
		"version": "1.0",
		"clientParameters": "-foo",
		"requiredMods": [{"modName": "core", "checkSum": "` + agg.Hex() + `", "enabled": true}],
		"optionalMods": [{"modName": "extra", "checkSum": "` + agg.Hex() + `", "enabled": false}],
		"servers": [{"name": "main", "address": "1.2.3.4", "port": 2302, "password": "", "battleEye": true}],
		"repoBasicAuthentication": {"username": "u", "password": "p"}
	}`

	m, err := ParseRepoManifest(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ParseRepoManifest: %v", err)
	}
	if m.Name != "test-repo" || m.Version != "1.0" || m.ClientParameters != "-foo" {
		t.Fatalf("unexpected top-level fields: %+v", m)
	}
	if len(m.RequiredMods) != 1 || m.RequiredMods[0].Name != "core" {
		t.Fatalf("unexpected RequiredMods: %+v", m.RequiredMods)
	}
	if len(m.OptionalMods) != 1 || m.OptionalMods[0].Enabled {
		t.Fatalf("unexpected OptionalMods: %+v", m.OptionalMods)
	}
	if len(m.Servers) != 1 || m.Servers[0].Port != 2302 {
		t.Fatalf("unexpected Servers: %+v", m.Servers)
	}
	if m.BasicAuth == nil || m.BasicAuth.Username != "u" {
		t.Fatalf("unexpected BasicAuth: %+v", m.BasicAuth)
	}

	all := m.AllMods()
	if len(all) != 2 || all[0].Name != "core" || all[1].Name != "extra" {
		t.Fatalf("AllMods() order = %+v", all)
	}
}

func TestParseRepoManifestPortVariants(t *testing.T) {
	t.Run("numeric port", func(t *testing.T) {
		body := `{"servers":[{"name":"s","address":"a","port":2302}]}`
		m, err := ParseRepoManifest(strings.NewReader(body))
		if err != nil {
			t.Fatalf("ParseRepoManifest: %v", err)
		}
		if m.Servers[0].Port != 2302 {
			t.Errorf("Port = %d; want 2302", m.Servers[0].Port)
		}
	})

	t.Run("string port", func(t *testing.T) {
		body := `{"servers":[{"name":"s","address":"a","port":"2302"}]}`
		m, err := ParseRepoManifest(strings.NewReader(body))
		if err != nil {
			t.Fatalf("ParseRepoManifest: %v", err)
		}
		if m.Servers[0].Port != 2302 {
			t.Errorf("Port = %d; want 2302", m.Servers[0].Port)
		}
	})

	t.Run("empty string port", func(t *testing.T) {
		body := `{"servers":[{"name":"s","address":"a","port":""}]}`
		m, err := ParseRepoManifest(strings.NewReader(body))
		if err != nil {
			t.Fatalf("ParseRepoManifest: %v", err)
		}
		if m.Servers[0].Port != 0 {
			t.Errorf("Port = %d; want 0", m.Servers[0].Port)
		}
	})
}

func TestParseRepoManifestInvalidDigest(t *testing.T) {
	body := `{"requiredMods":[{"modName":"core","checkSum":"not-hex","enabled":true}]}`
	if _, err := ParseRepoManifest(strings.NewReader(body)); err == nil {
		t.Fatal("expected error for invalid mod checksum")
	}
}

func TestNormalizeRepoURL(t *testing.T) {
	cases := map[string]string{
		"http://example.com/repo":      "http://example.com/repo/repo.json",
		"http://example.com/repo/":     "http://example.com/repo/repo.json",
		"http://example.com/repo.json": "http://example.com/repo.json",
		"http://example.com/REPO.JSON": "http://example.com/REPO.JSON",
	}
	for in, want := range cases {
		if got := NormalizeRepoURL(in); got != want {
			t.Errorf("NormalizeRepoURL(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestJoinRepoPath(t *testing.T) {
	cases := []struct {
		base, suffix, want string
	}{
		{"http://example.com/repo/", "/mods/core", "http://example.com/repo/mods/core"},
		{"http://example.com/repo", "mods\\core", "http://example.com/repo/mods/core"},
	}
	for _, tc := range cases {
		if got := JoinRepoPath(tc.base, tc.suffix); got != tc.want {
			t.Errorf("JoinRepoPath(%q, %q) = %q; want %q", tc.base, tc.suffix, got, tc.want)
		}
	}
}

func TestFetchRepoManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repo.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"repoName":"fetched"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	m, err := FetchRepoManifest(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("FetchRepoManifest: %v", err)
	}
	if m.Name != "fetched" {
		t.Errorf("Name = %q; want fetched", m.Name)
	}

	t.Run("non-2xx surfaces HttpError", func(t *testing.T) {
		_, err := FetchRepoManifest(context.Background(), srv.Client(), srv.URL+"/missing")
		var httpErr *HttpError
		if err == nil {
			t.Fatal("expected error")
		}
		if !errors.As(err, &httpErr) {
			t.Fatalf("expected *HttpError, got %T: %v", err, err)
		}
		if httpErr.Status != http.StatusNotFound {
			t.Errorf("Status = %d; want 404", httpErr.Status)
		}
	})
}

func TestComputeAggregateChecksum(t *testing.T) {
	r := RepoManifest{
		RequiredMods: []RemoteMod{{Name: "a", Digest: DigestBytes([]byte("a"))}},
		Version:      "1.0",
	}
	first := r.ComputeAggregateChecksum()
	second := r.ComputeAggregateChecksum()
	if first != second {
		t.Error("ComputeAggregateChecksum is not deterministic")
	}

	r.ClientParameters = "-different"
	if r.ComputeAggregateChecksum() == first {
		t.Error("expected checksum to change when client parameters change")
	}
}
