package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdeck/glowdeck/pkg/types"
)

const goodDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func manifestJSON(version string) string {
	return `{
		"version": "` + version + `",
		"build_date": "2026-08-01T12:00:00Z",
		"size_bytes": 1048576,
		"sha256": "` + goodDigest + `",
		"firmware_url": "https://firmware.example/` + version + `.bin"
	}`
}

func serveManifest(t *testing.T, version string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(manifestJSON(version)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serveStatus(t *testing.T, code int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPrefersPrimary(t *testing.T) {
	primary := serveManifest(t, "v2.0.0")
	secondary := serveManifest(t, "v1.0.0")

	c := NewClient(
		Source{Name: "development", ManifestURL: primary.URL},
		Source{Name: "release", ManifestURL: secondary.URL},
	)
	m, src, err := c.FetchWithFailover(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "development", src.Name)
	assert.Equal(t, "v2.0.0", m.Version)
}

func TestFetchHonorsPreference(t *testing.T) {
	primary := serveManifest(t, "v2.0.0")
	secondary := serveManifest(t, "v1.0.0")

	c := NewClient(
		Source{Name: "development", ManifestURL: primary.URL},
		Source{Name: "release", ManifestURL: secondary.URL},
	)
	m, src, err := c.FetchWithFailover(context.Background(), "release")
	require.NoError(t, err)
	assert.Equal(t, "release", src.Name)
	assert.Equal(t, "v1.0.0", m.Version)
}

func TestFailoverReportsServingSource(t *testing.T) {
	primary := serveStatus(t, http.StatusNotFound)
	secondary := serveManifest(t, "v1.2.3")

	c := NewClient(
		Source{Name: "development", ManifestURL: primary.URL},
		Source{Name: "release", ManifestURL: secondary.URL},
	)
	m, src, err := c.FetchWithFailover(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "release", src.Name)
	assert.Equal(t, "v1.2.3", m.Version)
}

func TestBothSourcesFailing(t *testing.T) {
	primary := serveStatus(t, http.StatusNotFound)
	secondary := serveStatus(t, http.StatusForbidden)

	c := NewClient(
		Source{Name: "development", ManifestURL: primary.URL},
		Source{Name: "release", ManifestURL: secondary.URL},
	)
	_, _, err := c.FetchWithFailover(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, types.CodeManifestUnreachable, types.CodeOf(err))
	// Both failures surface in the combined error.
	assert.Contains(t, err.Error(), "development")
	assert.Contains(t, err.Error(), "release")
}

func TestUnreachableSourcesReportNoNetwork(t *testing.T) {
	// Closed ports produce net.OpError from both sides.
	c := NewClient(
		Source{Name: "development", ManifestURL: "http://127.0.0.1:1/manifest.json"},
		Source{Name: "release", ManifestURL: "http://127.0.0.1:1/manifest.json"},
	)
	_, _, err := c.FetchWithFailover(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, types.CodeNoNetwork, types.CodeOf(err))
}

func TestTransientErrorRetriedSameSource(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(manifestJSON("v3.0.0")))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(
		Source{Name: "development", ManifestURL: srv.URL},
		Source{Name: "release", ManifestURL: "http://127.0.0.1:1/"},
	)
	m, src, err := c.FetchWithFailover(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "development", src.Name)
	assert.Equal(t, "v3.0.0", m.Version)
	assert.EqualValues(t, 2, calls.Load())
}

func TestMalformedManifestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"version": `))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(
		Source{Name: "development", ManifestURL: srv.URL},
		Source{Name: "release", ManifestURL: srv.URL},
	)
	_, _, err := c.FetchWithFailover(context.Background(), "")
	require.Error(t, err)
	// One attempt per source, no transport retries for a parse failure.
	assert.EqualValues(t, 2, calls.Load())
}

func TestManifestMissingRequiredFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version": "v1.0.0"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(
		Source{Name: "development", ManifestURL: srv.URL},
		Source{Name: "release", ManifestURL: srv.URL},
	)
	_, _, err := c.FetchWithFailover(context.Background(), "")
	assert.Error(t, err)
}

func TestFirmwareURLFallsBackToSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := strings.Replace(manifestJSON("v1.0.0"),
			`"firmware_url": "https://firmware.example/v1.0.0.bin"`,
			`"firmware_url": ""`, 1)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(
		Source{Name: "development", ManifestURL: srv.URL, FirmwareURL: "https://dl.example/fw.bin"},
		Source{Name: "release", ManifestURL: "http://127.0.0.1:1/"},
	)
	m, _, err := c.FetchWithFailover(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example/fw.bin", m.FirmwareURL)
}
