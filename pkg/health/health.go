// Package health validates a freshly booted image and rolls back to the last
// confirmed slot when it cannot be trusted. The boot-loop guard works from
// persisted state alone, so it protects the device even when the failing
// firmware never reaches the validator.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/glowdeck/glowdeck/pkg/partition"
	"github.com/glowdeck/glowdeck/pkg/prefs"
	"github.com/glowdeck/glowdeck/pkg/types"
)

// Severity classifies a check. Critical failures trigger rollback; advisory
// failures are retried and then accepted with a warning, since they may
// reflect transient environment conditions rather than firmware defects.
type Severity string

const (
	Critical Severity = "critical"
	Advisory Severity = "advisory"
)

// Check is one entry in the ordered post-boot battery. Code, when set,
// classifies a critical failure on the rollback event and returned error.
type Check struct {
	Name     string
	Severity Severity
	Code     types.ErrorCode
	Run      func(ctx context.Context) error
}

// Collaborators are the external subsystems the battery probes. Each probe
// returns nil when healthy.
type Collaborators struct {
	// NetworkAssociated reports whether the device joined its network.
	NetworkAssociated func(ctx context.Context) error
	// ControlChannel reports whether the command channel is reachable.
	ControlChannel func(ctx context.Context) error
	// Peripherals reports whether the local bus devices respond.
	Peripherals func(ctx context.Context) error
	// FreeMemoryBytes returns the currently available memory.
	FreeMemoryBytes func() uint64
}

// DefaultChecks assembles the standard battery in its required order.
func DefaultChecks(c Collaborators, table *partition.Table, minFreeBytes uint64) []Check {
	checks := []Check{
		{Name: "network-association", Severity: Advisory, Run: c.NetworkAssociated},
		{Name: "control-channel", Severity: Advisory, Run: c.ControlChannel},
		{Name: "peripheral-bus", Severity: Critical, Run: c.Peripherals},
		{Name: "free-memory", Severity: Critical, Code: types.CodeLowMemory, Run: func(context.Context) error {
			if c.FreeMemoryBytes == nil {
				return nil
			}
			if free := c.FreeMemoryBytes(); free < minFreeBytes {
				return fmt.Errorf("%d bytes free, need %d", free, minFreeBytes)
			}
			return nil
		}},
		{Name: "partition-consistency", Severity: Critical, Run: func(context.Context) error {
			return table.SelfCheck()
		}},
	}
	// Probes the integrator did not wire are skipped, not failed.
	out := checks[:0]
	for _, ck := range checks {
		if ck.Run != nil {
			out = append(out, ck)
		}
	}
	return out
}

// Config carries the validator timing knobs.
type Config struct {
	// SettleDelay is the grace period between boot and the first check.
	SettleDelay time.Duration
	// AdvisoryRetries is how many extra attempts an advisory check gets.
	AdvisoryRetries uint64
	// RetryInterval spaces the advisory retries.
	RetryInterval time.Duration
	// BootLoopThreshold is the number of consecutive pending-verify boots
	// tolerated before the guard re-activates the confirmed slot.
	BootLoopThreshold int
}

// Validator runs the post-boot battery once per boot.
type Validator struct {
	cfg     Config
	store   *prefs.Store
	table   *partition.Table
	checks  []Check
	restart func(delay time.Duration)
	notify  func(types.StatusEvent)
}

// New builds a validator. restart and notify may be nil.
func New(cfg Config, store *prefs.Store, table *partition.Table, checks []Check, restart func(time.Duration), notify func(types.StatusEvent)) *Validator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 30 * time.Second
	}
	if cfg.AdvisoryRetries == 0 {
		cfg.AdvisoryRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.BootLoopThreshold <= 0 {
		cfg.BootLoopThreshold = 3
	}
	return &Validator{cfg: cfg, store: store, table: table, checks: checks, restart: restart, notify: notify}
}

// GuardBoot runs first on every boot, before any other update logic. It
// increments the consecutive-boot counter and, when pending-verify has
// survived more than the threshold of boots, re-activates the previously
// confirmed slot and restarts. It returns true when a rollback was issued.
func (v *Validator) GuardBoot() (bool, error) {
	// The count increment only commits on a tolerated boot; a threshold
	// crossing commits the rollback record instead.
	rec, _, err := v.store.UpdateBootRecord(func(rec *types.BootRecord) bool {
		rec.BootCount++
		return !(rec.PendingVerify && rec.BootCount > v.cfg.BootLoopThreshold)
	})
	if err != nil {
		return false, fmt.Errorf("commit boot count: %w", err)
	}
	if rec.PendingVerify && rec.BootCount > v.cfg.BootLoopThreshold {
		log.Errorf("Boot loop detected: %d boots without confirmation, rolling back to slot %s",
			rec.BootCount, rec.Confirmed)
		if err := v.rollback(fmt.Sprintf("boot loop after %d boots", rec.BootCount), types.CodeNone); err != nil {
			return false, err
		}
		return true, nil
	}
	log.Debugf("Boot %d, pending verification: %v", rec.BootCount, rec.PendingVerify)
	return false, nil
}

// Run executes the battery once if this boot is pending verification,
// after the settling delay. On all-critical-pass the slot is confirmed good;
// on any critical failure the device rolls back.
func (v *Validator) Run(ctx context.Context) error {
	rec, err := v.store.BootRecord()
	if err != nil {
		return fmt.Errorf("read boot record: %w", err)
	}
	if !rec.PendingVerify {
		return nil
	}

	log.Infof("Boot health validation in %s", v.cfg.SettleDelay)
	select {
	case <-time.After(v.cfg.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	var advisories *multierror.Error
	for _, ck := range v.checks {
		err := v.runCheck(ctx, ck)
		if err == nil {
			log.Infof("Health check %s: ok", ck.Name)
			continue
		}
		if ck.Severity == Critical {
			log.Errorf("Health check %s failed: %v", ck.Name, err)
			if rerr := v.rollback(fmt.Sprintf("%s: %v", ck.Name, err), ck.Code); rerr != nil {
				return fmt.Errorf("rollback after failed %s check: %w", ck.Name, rerr)
			}
			ferr := fmt.Errorf("critical health check %s failed: %w", ck.Name, err)
			if ck.Code != types.CodeNone {
				return types.E(ck.Code, ferr)
			}
			return ferr
		}
		log.Warnf("Health check %s failed after retries, accepting: %v", ck.Name, err)
		advisories = multierror.Append(advisories, fmt.Errorf("%s: %w", ck.Name, err))
	}

	// An update session may have activated the other slot while the battery
	// ran. Confirmation only commits when the boot selection is still the one
	// read before the settle delay; otherwise the staged record stands.
	_, confirmed, err := v.store.UpdateBootRecord(func(cur *types.BootRecord) bool {
		if cur.Booting != rec.Booting || !cur.PendingVerify {
			return false
		}
		cur.PendingVerify = false
		cur.ConfirmedGood = true
		cur.Confirmed = v.table.Current().ID
		cur.BootCount = 0
		return true
	})
	if err != nil {
		return fmt.Errorf("confirm slot %s: %w", v.table.Current().ID, err)
	}
	if !confirmed {
		log.Warnf("Boot record changed during validation, leaving the staged selection untouched")
		return nil
	}
	if warn := advisories.ErrorOrNil(); warn != nil {
		log.Warnf("Slot %s confirmed with advisory warnings: %v", v.table.Current().ID, warn)
	} else {
		log.Infof("Slot %s confirmed good", v.table.Current().ID)
	}
	return nil
}

// ForceRollback is the operator override on the command channel.
func (v *Validator) ForceRollback(reason string) error {
	return v.rollback(reason, types.CodeNone)
}

func (v *Validator) runCheck(ctx context.Context, ck Check) error {
	if ck.Severity == Critical {
		return ck.Run(ctx)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(v.cfg.RetryInterval), v.cfg.AdvisoryRetries),
		ctx,
	)
	return backoff.RetryNotify(func() error { return ck.Run(ctx) }, bo,
		func(err error, next time.Duration) {
			log.Warnf("Health check %s failed, retrying in %s: %v", ck.Name, next, err)
		})
}

// rollback re-activates the confirmed slot and restarts. The confirmed slot
// was already validated once, so it boots clean with no pending flag: at most
// one automatic rollback cycle occurs.
func (v *Validator) rollback(reason string, code types.ErrorCode) error {
	rec, _, err := v.store.UpdateBootRecord(func(rec *types.BootRecord) bool {
		rec.Booting = rec.Confirmed
		rec.PendingVerify = false
		rec.ConfirmedGood = true
		rec.BootCount = 0
		return true
	})
	if err != nil {
		return fmt.Errorf("commit rollback record: %w", err)
	}
	log.Warnf("Rolled back to slot %s: %s", rec.Confirmed, reason)
	if v.notify != nil {
		v.notify(types.StatusEvent{
			State:          types.StateIdle,
			Code:           code,
			Rollback:       true,
			RollbackReason: reason,
		})
	}
	if v.restart != nil {
		v.restart(0)
	}
	return nil
}
