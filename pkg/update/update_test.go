package update

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdeck/glowdeck/pkg/manifest"
	"github.com/glowdeck/glowdeck/pkg/partition"
	"github.com/glowdeck/glowdeck/pkg/prefs"
	"github.com/glowdeck/glowdeck/pkg/transport"
	"github.com/glowdeck/glowdeck/pkg/types"
	"github.com/glowdeck/glowdeck/pkg/version"
)

// harness wires an orchestrator against httptest sources and temp-file slots.
type harness struct {
	store    *prefs.Store
	table    *partition.Table
	orch     *Orchestrator
	img      []byte
	manifest types.Manifest
	slotB    string

	restarts atomic.Int32
}

type harnessOpt func(*types.Manifest)

func withVersion(v string) harnessOpt {
	return func(m *types.Manifest) { m.Version = v }
}

func withDigest(d string) harnessOpt {
	return func(m *types.Manifest) { m.SHA256 = d }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{}

	h.img = make([]byte, 3*transport.ChunkSize+17)
	_, err := rand.Read(h.img)
	require.NoError(t, err)
	copy(h.img, []byte{0xE9, 0x47, 0x4C, 0x57})
	sum := sha256.Sum256(h.img)

	fwSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(h.img)
	}))
	t.Cleanup(fwSrv.Close)

	h.manifest = types.Manifest{
		Version:     "v2.0.0",
		BuildDate:   "2026-08-01T12:00:00Z",
		SizeBytes:   int64(len(h.img)),
		SHA256:      hex.EncodeToString(sum[:]),
		FirmwareURL: fwSrv.URL,
	}
	for _, o := range opts {
		o(&h.manifest)
	}
	mfSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(h.manifest)
	}))
	t.Cleanup(mfSrv.Close)

	dir := t.TempDir()
	h.store, err = prefs.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	capacity := int64(len(h.img)) + 1500
	h.slotB = filepath.Join(dir, "slot-b.bin")
	h.table, err = partition.NewTable(
		partition.Slot{Path: filepath.Join(dir, "slot-a.bin"), Capacity: capacity},
		partition.Slot{Path: h.slotB, Capacity: capacity},
		h.store,
	)
	require.NoError(t, err)

	h.orch = New(
		Config{AutoRestart: true, HashPolicy: version.PolicyIgnoreHash},
		manifest.NewClient(
			manifest.Source{Name: "development", ManifestURL: mfSrv.URL},
			manifest.Source{Name: "release", ManifestURL: "http://127.0.0.1:1/"},
		),
		h.table,
		transport.NewDownloader(),
		h.store,
		types.FirmwareInfo{Version: "v1.0.0"},
		func(time.Duration) { h.restarts.Add(1) },
	)
	return h
}

func TestUpdateHappyPath(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Update(context.Background()))

	assert.Equal(t, types.StateComplete, h.orch.Progress().State)
	assert.EqualValues(t, 1, h.restarts.Load())

	written, err := os.ReadFile(h.slotB)
	require.NoError(t, err)
	assert.Equal(t, h.img, written)

	rec, err := h.store.BootRecord()
	require.NoError(t, err)
	assert.Equal(t, types.SlotB, rec.Booting)
	assert.True(t, rec.PendingVerify)
	assert.False(t, rec.ConfirmedGood)
	assert.Equal(t, types.SlotA, rec.Confirmed)
}

func TestUpdateEmitsOrderedTransitions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Update(context.Background()))

	var states []types.State
drain:
	for {
		select {
		case ev := <-h.orch.Events():
			if len(states) == 0 || states[len(states)-1] != ev.State {
				states = append(states, ev.State)
			}
		default:
			break drain
		}
	}
	assert.Equal(t, []types.State{
		types.StateChecking,
		types.StateDownloading,
		types.StateVerifying,
		types.StateFlashing,
		types.StateComplete,
	}, states)
}

func TestNoUpdateAvailable(t *testing.T) {
	h := newHarness(t, withVersion("v1.0.0"))

	err := h.orch.Update(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoUpdateAvailable)
	assert.Equal(t, types.StateIdle, h.orch.Progress().State)
	assert.Zero(t, h.restarts.Load())

	// Nothing was staged.
	_, statErr := os.Stat(h.slotB)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCheckIsIdempotent(t *testing.T) {
	h := newHarness(t, withVersion("v1.0.0"))
	for i := 0; i < 3; i++ {
		_, src, err := h.orch.Check(context.Background())
		assert.ErrorIs(t, err, types.ErrNoUpdateAvailable)
		assert.Equal(t, "development", src)
	}
}

func TestCheckRecordsLastSuccessfulSource(t *testing.T) {
	h := newHarness(t)
	m, src, err := h.orch.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "development", src)
	assert.Equal(t, "v2.0.0", m.Version)

	pref, err := h.store.SourcePreference()
	require.NoError(t, err)
	assert.Equal(t, "development", pref.LastSuccessful)
}

func TestOlderVersionNotOffered(t *testing.T) {
	h := newHarness(t, withVersion("v0.9.0"))
	_, _, err := h.orch.Check(context.Background())
	assert.ErrorIs(t, err, types.ErrNoUpdateAvailable)
}

func TestDescribedVersionIsNewer(t *testing.T) {
	h := newHarness(t, withVersion("v1.0.0-1-g0ef185b"))
	m, _, err := h.orch.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0-1-g0ef185b", m.Version)
}

func TestChecksumMismatchNeverActivates(t *testing.T) {
	wrong := sha256.Sum256([]byte("not the image"))
	h := newHarness(t, withDigest(hex.EncodeToString(wrong[:])))

	err := h.orch.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CodeChecksumMismatch, types.CodeOf(err))
	assert.Equal(t, types.StateFailed, h.orch.Progress().State)
	assert.Zero(t, h.restarts.Load())

	// The boot selection is untouched: the bad image stays un-activated.
	rec, err := h.store.BootRecord()
	require.NoError(t, err)
	assert.Equal(t, types.SlotA, rec.Booting)
	assert.False(t, rec.PendingVerify)
}

func TestMissingDigestSkipsVerification(t *testing.T) {
	h := newHarness(t, withDigest(""))
	require.NoError(t, h.orch.Update(context.Background()))

	rec, err := h.store.BootRecord()
	require.NoError(t, err)
	assert.Equal(t, types.SlotB, rec.Booting)
}

func TestOversizedImageFailsBeforeDownload(t *testing.T) {
	h := newHarness(t)
	h.manifest.SizeBytes = 10 << 20 // larger than the slot

	err := h.orch.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CodeSizeMismatch, types.CodeOf(err))
}

func TestSecondSessionRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t)

	// A stalling firmware server holds the first session in DOWNLOADING.
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(h.img[:transport.ChunkSize])
		w.(http.Flusher).Flush()
		<-release
		w.Write(h.img[transport.ChunkSize:])
	}))
	t.Cleanup(stall.Close)
	t.Cleanup(func() { close(release) })
	h.manifest.FirmwareURL = stall.URL

	done := make(chan error, 1)
	go func() { done <- h.orch.Update(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.orch.Progress().State == types.StateDownloading
	}, 5*time.Second, 10*time.Millisecond)

	err := h.orch.Update(context.Background())
	assert.Equal(t, types.CodeAlreadyRunning, types.CodeOf(err))

	h.orch.Cancel()
	<-done
}

func TestCancelMidDownloadThenFreshSessionSucceeds(t *testing.T) {
	release := make(chan struct{})
	var stalled atomic.Bool
	h := newHarness(t)

	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stalled.CompareAndSwap(false, true) {
			w.Write(h.img[:transport.ChunkSize])
			w.(http.Flusher).Flush()
			<-release
			return
		}
		w.Write(h.img)
	}))
	t.Cleanup(stall.Close)
	h.manifest.FirmwareURL = stall.URL

	done := make(chan error, 1)
	go func() { done <- h.orch.Update(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.orch.Progress().State == types.StateDownloading && stalled.Load()
	}, 5*time.Second, 10*time.Millisecond)

	h.orch.Cancel()
	close(release)
	err := <-done
	require.Error(t, err)
	assert.Equal(t, types.CodeCancelled, types.CodeOf(err))
	assert.Equal(t, types.StateFailed, h.orch.Progress().State)

	// Cancellation never sticks: the next session runs to completion.
	require.NoError(t, h.orch.Update(context.Background()))
	assert.Equal(t, types.StateComplete, h.orch.Progress().State)
}

func TestBeginClaimsSessionImmediately(t *testing.T) {
	h := newHarness(t)

	// The slot must be claimed inside begin itself, before any transition
	// runs, so a second caller can never also pass the guard.
	require.NoError(t, h.orch.begin())
	assert.Equal(t, types.StateChecking, h.orch.Progress().State)

	err := h.orch.begin()
	assert.Equal(t, types.CodeAlreadyRunning, types.CodeOf(err))
}

func TestProgressReportsPercent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Update(context.Background()))

	p := h.orch.Progress()
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, p.BytesTotal, p.BytesDone)
	assert.Equal(t, "development", p.Source)
}
