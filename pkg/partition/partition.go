// Package partition manages the two fixed firmware slots. Exactly one slot is
// active at any time; an update session owns the inactive slot's write handle
// exclusively until the session ends.
package partition

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/glowdeck/glowdeck/pkg/prefs"
	"github.com/glowdeck/glowdeck/pkg/types"
)

// ErrCapacityExceeded indicates the declared image size does not fit the slot.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// Slot is one fixed physical region holding a complete firmware image.
type Slot struct {
	ID       types.SlotID
	Path     string
	Capacity int64
}

// Table exposes the current/next slots of the two-slot ping-pong scheme and
// performs atomic slot activation through the preference store.
type Table struct {
	slots   map[types.SlotID]Slot
	current types.SlotID
	store   *prefs.Store
}

// NewTable builds the slot table. The current slot comes from the persisted
// boot record, which the bootloader honors at startup.
func NewTable(a, b Slot, store *prefs.Store) (*Table, error) {
	if a.Capacity <= 0 || b.Capacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be positive (A=%d, B=%d)", a.Capacity, b.Capacity)
	}
	rec, err := store.BootRecord()
	if err != nil {
		return nil, fmt.Errorf("read boot record: %w", err)
	}
	a.ID, b.ID = types.SlotA, types.SlotB
	return &Table{
		slots:   map[types.SlotID]Slot{types.SlotA: a, types.SlotB: b},
		current: rec.Booting,
		store:   store,
	}, nil
}

// Current returns the slot currently executing.
func (t *Table) Current() Slot { return t.slots[t.current] }

// Next returns the other slot, the only one an update may write.
func (t *Table) Next() Slot { return t.slots[t.current.Other()] }

// BeginWrite prepares the inactive slot for sequential writing of an image of
// expectedSize bytes. The returned writer is the session's exclusive handle.
func (t *Table) BeginWrite(expectedSize int64) (*Writer, error) {
	slot := t.Next()
	if expectedSize > slot.Capacity {
		return nil, fmt.Errorf("%w: image of %d bytes, slot %s holds %d",
			ErrCapacityExceeded, expectedSize, slot.ID, slot.Capacity)
	}
	f, err := os.OpenFile(slot.Path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open slot %s (%s): %w", slot.ID, slot.Path, err)
	}
	log.Debugf("Slot %s opened for writing, expecting %d bytes", slot.ID, expectedSize)
	return &Writer{f: f, slot: slot, expected: expectedSize}, nil
}

// OpenRead opens a slot for verification reads from its base offset.
func (t *Table) OpenRead(id types.SlotID) (io.ReadCloser, error) {
	slot, ok := t.slots[id]
	if !ok {
		return nil, fmt.Errorf("unknown slot %q", id)
	}
	f, err := os.Open(slot.Path)
	if err != nil {
		return nil, fmt.Errorf("open slot %s (%s): %w", slot.ID, slot.Path, err)
	}
	return f, nil
}

// Activate designates slot to boot next and marks it pending verification.
// The whole boot record commits in one durable write, so any failure leaves
// the prior boot selection untouched.
func (t *Table) Activate(id types.SlotID) error {
	if _, ok := t.slots[id]; !ok {
		return fmt.Errorf("unknown slot %q", id)
	}
	if _, _, err := t.store.UpdateBootRecord(func(rec *types.BootRecord) bool {
		if rec.ConfirmedGood {
			rec.Confirmed = t.current
		}
		rec.Booting = id
		rec.PendingVerify = true
		rec.ConfirmedGood = false
		rec.BootCount = 0
		return true
	}); err != nil {
		return fmt.Errorf("commit boot record: %w", err)
	}
	log.Infof("Slot %s activated for next boot (pending verification)", id)
	return nil
}

// BootRecord returns the persisted boot record.
func (t *Table) BootRecord() (types.BootRecord, error) {
	return t.store.BootRecord()
}

// SetBootRecord commits rec durably.
func (t *Table) SetBootRecord(rec types.BootRecord) error {
	return t.store.SetBootRecord(rec)
}

// SelfCheck verifies the table is internally consistent: the boot selection
// names a known slot and the active slot is readable.
func (t *Table) SelfCheck() error {
	rec, err := t.store.BootRecord()
	if err != nil {
		return fmt.Errorf("read boot record: %w", err)
	}
	if _, ok := t.slots[rec.Booting]; !ok {
		return fmt.Errorf("boot record selects unknown slot %q", rec.Booting)
	}
	f, err := os.Open(t.Current().Path)
	if err != nil {
		return fmt.Errorf("active slot %s unreadable: %w", t.current, err)
	}
	return f.Close()
}

// Writer is the exclusive sequential write handle for the inactive slot.
// Writes past the slot capacity fail rather than spill into the next region.
type Writer struct {
	f        *os.File
	slot     Slot
	expected int64
	written  int64
	closed   bool
}

// Slot returns the slot being written.
func (w *Writer) Slot() Slot { return w.slot }

// Written returns the byte count written so far.
func (w *Writer) Written() int64 { return w.written }

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed slot %s", w.slot.ID)
	}
	if w.written+int64(len(p)) > w.slot.Capacity {
		return 0, fmt.Errorf("write of %d bytes at offset %d exceeds slot %s capacity %d",
			len(p), w.written, w.slot.ID, w.slot.Capacity)
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("write slot %s: %w", w.slot.ID, err)
	}
	return n, nil
}

// Commit flushes the image to stable storage and releases the handle.
func (w *Writer) Commit() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync slot %s: %w", w.slot.ID, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close slot %s: %w", w.slot.ID, err)
	}
	return nil
}

// Abort releases the handle without flushing. The slot is left with an
// incomplete, un-activated image, which the next session overwrites.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		log.Warnf("Closing aborted slot %s write: %v", w.slot.ID, err)
	}
}
