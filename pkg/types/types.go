package types

import (
	"fmt"
	"time"
)

// SlotID identifies one of the two firmware slots in the ping-pong scheme.
type SlotID string

const (
	SlotA SlotID = "A"
	SlotB SlotID = "B"
)

// Other returns the opposite slot.
func (s SlotID) Other() SlotID {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Manifest describes the latest firmware advertised by a metadata source.
// It is created fresh on every check and never persisted.
type Manifest struct {
	Version     string `json:"version"`
	BuildDate   string `json:"build_date"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256,omitempty"`
	FirmwareURL string `json:"firmware_url,omitempty"`
}

// Validate checks the structural requirements of a fetched manifest.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrManifestMalformed)
	}
	if m.BuildDate == "" {
		return fmt.Errorf("%w: missing build_date", ErrManifestMalformed)
	}
	if m.SizeBytes <= 0 {
		return fmt.Errorf("%w: size_bytes must be positive, got %d", ErrManifestMalformed, m.SizeBytes)
	}
	if m.SHA256 != "" {
		if len(m.SHA256) != 64 {
			return fmt.Errorf("%w: sha256 must be 64 hex characters, got %d", ErrManifestMalformed, len(m.SHA256))
		}
		for _, c := range m.SHA256 {
			if !isHexDigit(c) {
				return fmt.Errorf("%w: sha256 contains non-hex character %q", ErrManifestMalformed, c)
			}
		}
	}
	return nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// FirmwareInfo is the self-description of the currently running image.
type FirmwareInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	SizeBytes int64  `json:"size_bytes"`
	Platform  string `json:"platform,omitempty"`
}

// BootRecord is the durable boot bookkeeping written by the orchestrator at
// flash time and by the boot health validator after reboot. The slot selection
// lives in the same record so activation commits in a single durable write.
type BootRecord struct {
	// BootCount counts consecutive boots since the last flash.
	BootCount int `json:"boot_count"`
	// PendingVerify is set when a freshly flashed image has not yet been
	// confirmed healthy.
	PendingVerify bool `json:"pending_verify"`
	// ConfirmedGood is set once the booted image passed validation.
	ConfirmedGood bool `json:"confirmed_good"`
	// Booting is the slot selected for the next restart.
	Booting SlotID `json:"booting"`
	// Confirmed is the last slot known to hold a good image.
	Confirmed SlotID `json:"confirmed"`
}

// SourcePreference selects which metadata source is tried first.
type SourcePreference struct {
	Selected       string `json:"selected"`
	LastSuccessful string `json:"last_successful,omitempty"`
}

// State is the orchestrator state machine position.
type State string

const (
	StateIdle        State = "IDLE"
	StateChecking    State = "CHECKING"
	StateDownloading State = "DOWNLOADING"
	StateVerifying   State = "VERIFYING"
	StateFlashing    State = "FLASHING"
	StateComplete    State = "COMPLETE"
	StateFailed      State = "FAILED"
)

// Terminal reports whether the state ends an update session.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// VerifyStatus is the outcome of integrity verification.
type VerifyStatus string

const (
	VerifyMatch    VerifyStatus = "match"
	VerifyMismatch VerifyStatus = "mismatch"
	// VerifySkipped flags an explicit bypass when no digest was declared.
	// It is never reported as VerifyMatch.
	VerifySkipped VerifyStatus = "skipped"
)

// StatusEvent is emitted on every orchestrator transition and on rollback.
type StatusEvent struct {
	State      State     `json:"state"`
	Code       ErrorCode `json:"code,omitempty"`
	Source     string    `json:"source,omitempty"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	// Rollback events are reported distinctly from update-session failures:
	// the flash itself succeeded before post-boot rejection.
	Rollback       bool   `json:"rollback,omitempty"`
	RollbackReason string `json:"rollback_reason,omitempty"`
}

// Progress is the session snapshot returned to status queries.
type Progress struct {
	State      State         `json:"state"`
	Code       ErrorCode     `json:"code,omitempty"`
	Source     string        `json:"source,omitempty"`
	BytesDone  int64         `json:"bytes_done"`
	BytesTotal int64         `json:"bytes_total"`
	Percent    int           `json:"percent"`
	Elapsed    time.Duration `json:"elapsed"`
	Remaining  time.Duration `json:"remaining"`
}
