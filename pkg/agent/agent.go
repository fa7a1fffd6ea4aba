// Package agent is the long-running device process: it guards the boot,
// validates freshly flashed images, serves the update command channel and
// owns the single update worker.
package agent

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/glowdeck/glowdeck/pkg/channel"
	"github.com/glowdeck/glowdeck/pkg/health"
	"github.com/glowdeck/glowdeck/pkg/manifest"
	"github.com/glowdeck/glowdeck/pkg/partition"
	"github.com/glowdeck/glowdeck/pkg/prefs"
	"github.com/glowdeck/glowdeck/pkg/transport"
	"github.com/glowdeck/glowdeck/pkg/types"
	"github.com/glowdeck/glowdeck/pkg/update"
	"github.com/glowdeck/glowdeck/pkg/version"
)

// Config assembles everything the agent needs. It is populated from viper by
// the CLI layer.
type Config struct {
	StateFile string

	SlotAPath     string
	SlotBPath     string
	SlotACapacity int64
	SlotBCapacity int64

	PrimarySource   manifest.Source
	SecondarySource manifest.Source
	CABundle        string
	ManifestTimeout time.Duration
	DownloadTimeout time.Duration

	HashPolicy     version.Policy
	AutoRestart    bool
	RestartDelay   time.Duration
	SessionTimeout time.Duration

	Broker   string
	DeviceID string

	Health        health.Config
	MinFreeMemory uint64

	// RestartCommand is executed to restart the device. Empty means the
	// restart is logged and left to the operator or supervisor.
	RestartCommand []string

	Firmware types.FirmwareInfo

	// Peripherals probes the local bus; nil skips the check.
	Peripherals func(ctx context.Context) error
}

// Agent owns the wired subsystems.
type Agent struct {
	cfg       Config
	store     *prefs.Store
	table     *partition.Table
	orch      *update.Orchestrator
	validator *health.Validator
	ch        *channel.Channel

	// updateTrigger hands start requests to the dedicated update worker.
	updateTrigger chan struct{}
}

// New opens the preference store, builds the partition table and wires the
// orchestrator and validator. It does not touch the network.
func New(cfg Config) (*Agent, error) {
	store, err := prefs.Open(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("open preference store: %w", err)
	}
	table, err := partition.NewTable(
		partition.Slot{Path: cfg.SlotAPath, Capacity: cfg.SlotACapacity},
		partition.Slot{Path: cfg.SlotBPath, Capacity: cfg.SlotBCapacity},
		store,
	)
	if err != nil {
		return nil, fmt.Errorf("build partition table: %w", err)
	}

	var mopts []manifest.Option
	var dopts []transport.Option
	if cfg.ManifestTimeout > 0 {
		mopts = append(mopts, manifest.WithTimeout(cfg.ManifestTimeout))
	}
	if cfg.DownloadTimeout > 0 {
		dopts = append(dopts, transport.WithTimeout(cfg.DownloadTimeout))
	}
	if cfg.CABundle != "" {
		pool, err := manifest.LoadRootCAs(cfg.CABundle)
		if err != nil {
			return nil, err
		}
		mopts = append(mopts, manifest.WithRootCAs(pool))
		dopts = append(dopts, transport.WithRootCAs(pool))
	}

	a := &Agent{
		cfg:           cfg,
		store:         store,
		table:         table,
		updateTrigger: make(chan struct{}, 1),
	}
	a.orch = update.New(
		update.Config{
			AutoRestart:  cfg.AutoRestart,
			RestartDelay: cfg.RestartDelay,
			HashPolicy:   cfg.HashPolicy,
			Timeout:      cfg.SessionTimeout,
		},
		manifest.NewClient(cfg.PrimarySource, cfg.SecondarySource, mopts...),
		table,
		transport.NewDownloader(dopts...),
		store,
		cfg.Firmware,
		a.restartDevice,
	)
	checks := health.DefaultChecks(health.Collaborators{
		NetworkAssociated: a.networkAssociated,
		ControlChannel:    a.controlChannelUp,
		Peripherals:       cfg.Peripherals,
		FreeMemoryBytes:   freeMemoryBytes,
	}, table, cfg.MinFreeMemory)
	a.validator = health.New(cfg.Health, store, table, checks, a.restartDevice, a.publishEvent)
	return a, nil
}

// Orchestrator exposes the update engine for one-shot CLI use.
func (a *Agent) Orchestrator() *update.Orchestrator { return a.orch }

// Validator exposes the boot health validator for one-shot CLI use.
func (a *Agent) Validator() *health.Validator { return a.validator }

// Store exposes the preference store for the source subcommand.
func (a *Agent) Store() *prefs.Store { return a.store }

// GuardBoot runs the boot-loop guard. It must run before anything else on a
// device boot.
func (a *Agent) GuardBoot() (bool, error) { return a.validator.GuardBoot() }

// Run is the agent main loop. It returns when ctx ends or the command
// channel fails irrecoverably.
func (a *Agent) Run(ctx context.Context) error {
	rolledBack, err := a.GuardBoot()
	if err != nil {
		return fmt.Errorf("boot guard: %w", err)
	}
	if rolledBack {
		return nil
	}

	if a.cfg.Broker != "" {
		ch, err := channel.Dial(ctx, a.cfg.Broker, a.cfg.DeviceID)
		if err != nil {
			// The device stays useful without a broker: updates remain
			// reachable through the CLI and the validator still runs.
			log.Warnf("Command channel unavailable: %v", err)
		} else {
			a.ch = ch
			defer ch.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.updateWorker(ctx) })
	g.Go(func() error { return a.eventPump(ctx) })
	g.Go(func() error {
		if err := a.validator.Run(ctx); err != nil {
			log.Errorf("Boot health validation: %v", err)
		}
		return nil
	})
	if a.ch != nil {
		g.Go(func() error { return a.ch.Listen(ctx) })
		g.Go(func() error { return a.dispatch(ctx) })
	}
	return g.Wait()
}

// updateWorker is the dedicated worker every session runs on. All state
// transitions happen here; other goroutines only queue a trigger or call the
// orchestrator's thread-safe accessors.
func (a *Agent) updateWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.updateTrigger:
			if err := a.orch.Update(ctx); err != nil {
				log.Debugf("Update session ended: %v", err)
			}
		}
	}
}

// eventPump republishes orchestrator status events onto the channel.
func (a *Agent) eventPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.orch.Events():
			a.publishEvent(ev)
		}
	}
}

// dispatch handles inbound commands. Long-running work never executes here:
// start_update is queued to the update worker and cancellation is an atomic
// request, so the dispatcher stays responsive mid-download.
func (a *Agent) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-a.ch.Commands():
			a.handleCommand(ctx, cmd)
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, cmd channel.Command) {
	log.Infof("Command received: %s", cmd.Name)
	switch cmd.Name {
	case channel.CmdCheckForUpdate:
		m, src, err := a.orch.Check(ctx)
		switch {
		case err == nil:
			a.publish(channel.TopicStatus, map[string]any{
				"update_available": true,
				"version":          m.Version,
				"size_bytes":       m.SizeBytes,
				"source":           src,
			})
		case types.CodeOf(err) == types.CodeNoUpdateAvailable:
			a.publish(channel.TopicStatus, map[string]any{
				"update_available": false,
				"source":           src,
			})
		default:
			a.publish(channel.TopicStatus, map[string]any{
				"update_available": false,
				"error":            string(types.CodeOf(err)),
			})
		}
	case channel.CmdStartUpdate:
		select {
		case a.updateTrigger <- struct{}{}:
		default:
			a.publish(channel.TopicStatus, map[string]any{
				"error": string(types.CodeAlreadyRunning),
			})
		}
	case channel.CmdCancelUpdate:
		a.orch.Cancel()
	case channel.CmdGetProgress:
		a.publish(channel.TopicProgress, a.orch.Progress())
	case channel.CmdGetVersion:
		rec, _ := a.store.BootRecord()
		a.publish(channel.TopicVersion, map[string]any{
			"firmware": a.orch.Running(),
			"slot":     a.table.Current().ID,
			"record":   rec,
		})
	case channel.CmdSetPreferredSource:
		if err := a.SetPreferredSource(cmd.Source); err != nil {
			log.Errorf("Setting preferred source: %v", err)
			a.publish(channel.TopicSource, map[string]any{"error": err.Error()})
			return
		}
		pref, _ := a.store.SourcePreference()
		a.publish(channel.TopicSource, pref)
	case channel.CmdValidateNow:
		// Operator-forced re-validation, regardless of the pending flag.
		if _, _, err := a.store.UpdateBootRecord(func(rec *types.BootRecord) bool {
			if rec.PendingVerify {
				return false
			}
			rec.PendingVerify = true
			return true
		}); err != nil {
			log.Errorf("Forcing re-validation: %v", err)
			return
		}
		go func() {
			if err := a.validator.Run(ctx); err != nil {
				log.Errorf("Forced validation: %v", err)
			}
		}()
	case channel.CmdForceRollback:
		reason := cmd.Reason
		if reason == "" {
			reason = "operator request"
		}
		if err := a.validator.ForceRollback(reason); err != nil {
			log.Errorf("Forced rollback: %v", err)
		}
	default:
		log.Warnf("Unknown command %q ignored", cmd.Name)
	}
}

// SetPreferredSource validates and persists the operator's source choice.
func (a *Agent) SetPreferredSource(name string) error {
	if name != a.cfg.PrimarySource.Name && name != a.cfg.SecondarySource.Name {
		return fmt.Errorf("unknown source %q (configured: %s, %s)",
			name, a.cfg.PrimarySource.Name, a.cfg.SecondarySource.Name)
	}
	pref, err := a.store.SourcePreference()
	if err != nil {
		return err
	}
	pref.Selected = name
	return a.store.SetSourcePreference(pref)
}

func (a *Agent) publishEvent(ev types.StatusEvent) {
	a.publish(channel.TopicStatus, ev)
}

func (a *Agent) publish(topic string, v any) {
	if a.ch == nil {
		return
	}
	if err := a.ch.Publish(topic, v); err != nil {
		log.Warnf("Publishing to %s: %v", topic, err)
	}
}

// restartDevice schedules the configured restart command, or defers to the
// operator when none is configured.
func (a *Agent) restartDevice(delay time.Duration) {
	if len(a.cfg.RestartCommand) == 0 {
		log.Infof("Restart required to apply the staged slot")
		return
	}
	log.Infof("Restarting in %s: %s", delay, strings.Join(a.cfg.RestartCommand, " "))
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		cmd := exec.Command(a.cfg.RestartCommand[0], a.cfg.RestartCommand[1:]...)
		if err := cmd.Run(); err != nil {
			log.Errorf("Restart command failed: %v", err)
		}
	}()
}

// networkAssociated passes when any non-loopback interface is up with an
// address assigned.
func (a *Agent) networkAssociated(context.Context) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return nil
		}
	}
	return fmt.Errorf("no network association")
}

func (a *Agent) controlChannelUp(context.Context) error {
	if a.cfg.Broker == "" {
		return nil
	}
	if a.ch == nil {
		return fmt.Errorf("command channel not connected")
	}
	return nil
}
