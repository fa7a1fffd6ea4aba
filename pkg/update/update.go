// Package update runs the firmware update session state machine:
//
//	IDLE -> CHECKING -> DOWNLOADING -> VERIFYING -> FLASHING -> COMPLETE
//
// with FAILED reachable from any non-terminal state. All transitions happen
// on the single goroutine that called Update; status queries and cancellation
// arrive from other goroutines through the snapshot mutex and an atomic flag.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/glowdeck/glowdeck/pkg/manifest"
	"github.com/glowdeck/glowdeck/pkg/partition"
	"github.com/glowdeck/glowdeck/pkg/prefs"
	"github.com/glowdeck/glowdeck/pkg/transport"
	"github.com/glowdeck/glowdeck/pkg/types"
	"github.com/glowdeck/glowdeck/pkg/verify"
	"github.com/glowdeck/glowdeck/pkg/version"
)

// Restarter schedules a device restart after an activation.
type Restarter func(delay time.Duration)

// Config carries the orchestrator policy knobs.
type Config struct {
	// AutoRestart restarts immediately after COMPLETE; otherwise the restart
	// is deferred to the operator.
	AutoRestart  bool
	RestartDelay time.Duration
	// HashPolicy resolves same-tag-different-hash manifests (see version.Policy).
	HashPolicy version.Policy
	// Timeout bounds a whole session. Zero means no session bound beyond the
	// per-operation transport timeouts.
	Timeout time.Duration
}

// Orchestrator composes the manifest client, partition table, transport and
// verifier into the update state machine. One session at a time.
type Orchestrator struct {
	cfg       Config
	manifests *manifest.Client
	table     *partition.Table
	dl        *transport.Downloader
	store     *prefs.Store
	running   types.FirmwareInfo
	restart   Restarter

	events chan types.StatusEvent

	cancelled atomic.Bool

	mu        sync.Mutex
	state     types.State
	code      types.ErrorCode
	source    string
	bytesDone int64
	bytesTot  int64
	startedAt time.Time
	cancelFn  context.CancelFunc
}

// New builds an orchestrator. restart may be nil when the host process cannot
// restart the device (one-shot CLI use).
func New(cfg Config, mc *manifest.Client, table *partition.Table, dl *transport.Downloader, store *prefs.Store, running types.FirmwareInfo, restart Restarter) *Orchestrator {
	if !cfg.HashPolicy.Valid() {
		cfg.HashPolicy = version.PolicyIgnoreHash
	}
	return &Orchestrator{
		cfg:       cfg,
		manifests: mc,
		table:     table,
		dl:        dl,
		store:     store,
		running:   running,
		restart:   restart,
		events:    make(chan types.StatusEvent, 16),
		state:     types.StateIdle,
	}
}

// Events is the status event stream. Every transition emits one event; slow
// consumers drop events rather than stall the session.
func (o *Orchestrator) Events() <-chan types.StatusEvent { return o.events }

// Running returns the self-description of the executing image.
func (o *Orchestrator) Running() types.FirmwareInfo { return o.running }

// Progress snapshots the current session for status queries from other
// goroutines.
func (o *Orchestrator) Progress() types.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := types.Progress{
		State:      o.state,
		Code:       o.code,
		Source:     o.source,
		BytesDone:  o.bytesDone,
		BytesTotal: o.bytesTot,
	}
	if o.bytesTot > 0 {
		p.Percent = int(o.bytesDone * 100 / o.bytesTot)
	}
	if !o.startedAt.IsZero() && !o.state.Terminal() && o.state != types.StateIdle {
		p.Elapsed = time.Since(o.startedAt)
		if o.bytesDone > 0 && o.bytesTot > o.bytesDone {
			perByte := p.Elapsed / time.Duration(o.bytesDone)
			p.Remaining = perByte * time.Duration(o.bytesTot-o.bytesDone)
		}
	}
	return p
}

// Cancel requests cooperative cancellation. The in-flight chunk write always
// completes; the session observes the request between chunks and steps.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
	o.mu.Lock()
	cancel := o.cancelFn
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Check fetches the manifest with failover and negotiates the version. It
// returns the manifest and the source that produced it when an update is
// available, or types.ErrNoUpdateAvailable. Repeated checks against an
// unchanged manifest keep yielding the same answer.
func (o *Orchestrator) Check(ctx context.Context) (*types.Manifest, string, error) {
	if err := o.begin(); err != nil {
		return nil, "", err
	}
	m, src, err := o.check(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNoUpdateAvailable) {
			o.transition(types.StateIdle, types.CodeNone)
			return nil, src, err
		}
		o.transition(types.StateFailed, types.CodeOf(err))
		return nil, src, err
	}
	o.transition(types.StateIdle, types.CodeNone)
	return m, src, nil
}

// Update runs a full session on the calling goroutine.
func (o *Orchestrator) Update(ctx context.Context) error {
	if err := o.begin(); err != nil {
		return err
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelFn = cancel
	o.mu.Unlock()

	err := o.run(ctx)
	o.mu.Lock()
	o.cancelFn = nil
	o.mu.Unlock()
	return err
}

// begin claims the session slot. Only one session runs at a time.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != types.StateIdle && !o.state.Terminal() {
		return types.E(types.CodeAlreadyRunning, types.ErrAlreadyRunning)
	}
	// Claim the slot before the lock drops so a concurrent begin cannot also
	// pass the guard in the window before the first transition.
	o.state = types.StateChecking
	o.code = types.CodeNone
	o.source = ""
	o.bytesDone, o.bytesTot = 0, 0
	o.startedAt = time.Now()
	o.cancelled.Store(false)
	return nil
}

func (o *Orchestrator) run(ctx context.Context) error {
	m, src, err := o.check(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNoUpdateAvailable) {
			o.transition(types.StateIdle, types.CodeNone)
			return err
		}
		return o.fail(types.CodeOf(err), err)
	}

	if o.isCancelled(ctx) {
		return o.fail(types.CodeCancelled, types.ErrCancelled)
	}

	// DOWNLOADING
	o.mu.Lock()
	o.bytesTot = m.SizeBytes
	o.mu.Unlock()
	o.transition(types.StateDownloading, types.CodeNone)

	w, err := o.table.BeginWrite(m.SizeBytes)
	if err != nil {
		if errors.Is(err, partition.ErrCapacityExceeded) {
			return o.fail(types.CodeSizeMismatch, err)
		}
		return o.fail(types.CodeDownloadFailed, err)
	}
	err = o.dl.Download(ctx, m.FirmwareURL, m.SizeBytes, w, func(done, total int64) {
		o.mu.Lock()
		o.bytesDone, o.bytesTot = done, total
		o.mu.Unlock()
		o.emit(types.StateDownloading, types.CodeNone)
	})
	if err != nil {
		w.Abort()
		return o.fail(o.classifyDownload(err), err)
	}
	if err := w.Commit(); err != nil {
		return o.fail(types.CodeDownloadFailed, err)
	}

	if o.isCancelled(ctx) {
		return o.fail(types.CodeCancelled, types.ErrCancelled)
	}

	// VERIFYING
	o.transition(types.StateVerifying, types.CodeNone)
	status, err := o.verifySlot(w.Slot().ID, m)
	if err != nil {
		return o.fail(types.CodeChecksumMismatch, err)
	}
	switch status {
	case types.VerifyMismatch:
		// Never auto-retried within the session; a fresh check is required.
		return o.fail(types.CodeChecksumMismatch,
			fmt.Errorf("image in slot %s does not match declared digest", w.Slot().ID))
	case types.VerifySkipped:
		log.Warnf("Activating slot %s without integrity verification", w.Slot().ID)
	}

	if o.isCancelled(ctx) {
		return o.fail(types.CodeCancelled, types.ErrCancelled)
	}

	// FLASHING
	o.transition(types.StateFlashing, types.CodeNone)
	if err := o.table.Activate(w.Slot().ID); err != nil {
		return o.fail(types.CodeActivationFailed, err)
	}

	o.transition(types.StateComplete, types.CodeNone)
	log.Infof("Update to %s complete via %s, slot %s pending verification after restart",
		m.Version, src, w.Slot().ID)

	if o.cfg.AutoRestart && o.restart != nil {
		o.restart(o.cfg.RestartDelay)
	}
	return nil
}

// check performs CHECKING: manifest fetch with failover plus version
// negotiation. Returns the source name even on negotiation failure so the
// caller can report which source answered.
func (o *Orchestrator) check(ctx context.Context) (*types.Manifest, string, error) {
	o.transition(types.StateChecking, types.CodeNone)

	pref, err := o.store.SourcePreference()
	if err != nil {
		log.Warnf("Reading source preference: %v", err)
	}
	m, src, err := o.manifests.FetchWithFailover(ctx, pref.Selected)
	if err != nil {
		return nil, "", err
	}
	o.mu.Lock()
	o.source = src.Name
	o.mu.Unlock()

	if pref.LastSuccessful != src.Name {
		pref.LastSuccessful = src.Name
		if err := o.store.SetSourcePreference(pref); err != nil {
			log.Warnf("Persisting last successful source: %v", err)
		}
	}

	decision, err := version.Negotiate(o.running.Version, m.Version, o.cfg.HashPolicy)
	if err != nil {
		return nil, src.Name, types.E(types.CodeManifestMalformed, err)
	}
	if decision != version.Newer {
		log.Infof("Already running %s, offered %s is %s", o.running.Version, m.Version, decision)
		return nil, src.Name, types.E(types.CodeNoUpdateAvailable, types.ErrNoUpdateAvailable)
	}
	log.Infof("Update available via %s: %s -> %s (%d bytes)", src.Name, o.running.Version, m.Version, m.SizeBytes)
	return m, src.Name, nil
}

func (o *Orchestrator) verifySlot(id types.SlotID, m *types.Manifest) (types.VerifyStatus, error) {
	r, err := o.table.OpenRead(id)
	if err != nil {
		return types.VerifyMismatch, err
	}
	defer r.Close()
	return verify.Verify(r, m.SizeBytes, m.SHA256)
}

func (o *Orchestrator) isCancelled(ctx context.Context) bool {
	return o.cancelled.Load() || ctx.Err() != nil
}

func (o *Orchestrator) classifyDownload(err error) types.ErrorCode {
	switch {
	case o.cancelled.Load() || errors.Is(err, context.Canceled):
		return types.CodeCancelled
	case errors.Is(err, transport.ErrSizeMismatch):
		return types.CodeSizeMismatch
	default:
		return types.CodeDownloadFailed
	}
}

// fail transitions to FAILED carrying code and returns the typed error.
func (o *Orchestrator) fail(code types.ErrorCode, err error) error {
	o.transition(types.StateFailed, code)
	log.Errorf("Update failed (%s): %v", code, err)
	if types.CodeOf(err) == code {
		return err
	}
	return types.E(code, err)
}

// transition moves the state machine and emits a status event.
func (o *Orchestrator) transition(state types.State, code types.ErrorCode) {
	o.mu.Lock()
	o.state = state
	o.code = code
	o.mu.Unlock()
	o.emit(state, code)
}

func (o *Orchestrator) emit(state types.State, code types.ErrorCode) {
	o.mu.Lock()
	ev := types.StatusEvent{
		State:      state,
		Code:       code,
		Source:     o.source,
		BytesDone:  o.bytesDone,
		BytesTotal: o.bytesTot,
	}
	o.mu.Unlock()
	select {
	case o.events <- ev:
	default:
		log.Debugf("Status event dropped: %s", state)
	}
}
