package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glowdeck/glowdeck/pkg/health"
	"github.com/glowdeck/glowdeck/pkg/manifest"
	"github.com/glowdeck/glowdeck/pkg/types"
	"github.com/glowdeck/glowdeck/pkg/version"
)

// NewAgentCmd runs the long-lived device agent.
func NewAgentCmd(fw types.FirmwareInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device update agent",
		Long:  "Guard the boot, validate freshly flashed firmware and serve the update command channel until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}

// NewCheckCmd queries the sources once and reports whether an update exists.
func NewCheckCmd(fw types.FirmwareInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the configured sources for a newer firmware version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			m, src, err := a.Orchestrator().Check(ctx)
			if types.CodeOf(err) == types.CodeNoUpdateAvailable {
				fmt.Fprintf(cmd.OutOrStdout(), "Up to date (running %s, source %s)\n", fw.Version, src)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Update available: %s (%d bytes, source %s)\n",
				m.Version, m.SizeBytes, src)
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}

// NewUpdateCmd runs one complete update session.
func NewUpdateCmd(fw types.FirmwareInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download, verify and stage the newest firmware",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			go func() {
				<-ctx.Done()
				a.Orchestrator().Cancel()
			}()
			if err := a.Orchestrator().Update(ctx); err != nil {
				if types.CodeOf(err) == types.CodeNoUpdateAvailable {
					fmt.Fprintf(cmd.OutOrStdout(), "Up to date (running %s)\n", fw.Version)
					return nil
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Update staged; the new slot boots pending verification")
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}

// NewRollbackCmd re-activates the last confirmed-good slot.
func NewRollbackCmd(fw types.FirmwareInfo) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Boot the last confirmed-good slot on the next restart",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			return a.Validator().ForceRollback(reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "Reason recorded with the rollback")
	addConfigFlags(cmd)
	return cmd
}

// NewValidateCmd forces a boot health validation pass.
func NewValidateCmd(fw types.FirmwareInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the post-boot health checks now, confirming or rolling back this slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			if _, _, err := a.Store().UpdateBootRecord(func(rec *types.BootRecord) bool {
				if rec.PendingVerify {
					return false
				}
				rec.PendingVerify = true
				return true
			}); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return a.Validator().Run(ctx)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

// NewSourceCmd shows or sets the preferred update source.
func NewSourceCmd(fw types.FirmwareInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Show or set the preferred update source",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Show the preferred and last successful sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			pref, err := a.Store().SourcePreference()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preferred: %s\nLast successful: %s\n",
				orNone(pref.Selected), orNone(pref.LastSuccessful))
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set NAME",
		Short: "Prefer the named source for future checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(cmd, fw)
			if err != nil {
				return err
			}
			return a.SetPreferredSource(args[0])
		},
	}
	addConfigFlags(get)
	addConfigFlags(set)
	cmd.AddCommand(get, set)
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func newAgent(cmd *cobra.Command, fw types.FirmwareInfo) (*Agent, error) {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Firmware = fw
	return New(cfg)
}

func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("state-file", "/var/lib/glowdeck/state.json", "Path of the persistent device state file")
	flags.String("slot-a", "/dev/firmware-a", "Path of firmware slot A")
	flags.String("slot-b", "/dev/firmware-b", "Path of firmware slot B")
	flags.Int64("slot-a-capacity", 4<<20, "Capacity of slot A in bytes")
	flags.Int64("slot-b-capacity", 4<<20, "Capacity of slot B in bytes")
	flags.String("primary-manifest", "", "Manifest URL of the primary (development) source")
	flags.String("primary-firmware", "", "Firmware base URL of the primary source")
	flags.String("secondary-manifest", "", "Manifest URL of the secondary (release) source")
	flags.String("secondary-firmware", "", "Firmware base URL of the secondary source")
	flags.String("ca-bundle", "", "PEM bundle of additional trusted root CAs")
	flags.Duration("manifest-timeout", 10*time.Second, "Timeout for one manifest request")
	flags.Duration("download-timeout", 5*time.Minute, "Timeout for the firmware download")
	flags.Duration("session-timeout", 0, "Overall update session timeout, 0 for none")
	flags.String("hash-policy", string(version.PolicyIgnoreHash), "How commit-hash-only differences compare: ignore or prefer-update")
	flags.Bool("auto-restart", true, "Restart automatically after staging an update")
	flags.Duration("restart-delay", 3*time.Second, "Delay before the post-update restart")
	flags.StringSlice("restart-command", nil, "Command executed to restart the device")
	flags.String("broker", "", "MQTT broker address for the command channel, empty to disable")
	flags.String("device-id", "glowdeck", "Client identity on the command channel")
	flags.Duration("settle-delay", 30*time.Second, "Grace period between boot and the first health check")
	flags.Uint64("advisory-retries", 3, "Extra attempts an advisory health check gets")
	flags.Duration("retry-interval", 30*time.Second, "Spacing of advisory health check retries")
	flags.Uint("boot-loop-threshold", 3, "Unconfirmed boots tolerated before automatic rollback")
	flags.Uint64("min-free-memory", 8<<20, "Free memory in bytes below which boot health fails")
}

func configFromFlags(cmd *cobra.Command) (Config, error) {
	var cfg Config
	var err error
	str := func(name string) string {
		if err != nil {
			return ""
		}
		var v string
		v, err = flagString(cmd, name)
		return v
	}
	cfg.StateFile = str("state-file")
	cfg.SlotAPath = str("slot-a")
	cfg.SlotBPath = str("slot-b")
	cfg.SlotACapacity = flagInt64(cmd, "slot-a-capacity", &err)
	cfg.SlotBCapacity = flagInt64(cmd, "slot-b-capacity", &err)
	cfg.PrimarySource = manifest.Source{
		Name:        "development",
		ManifestURL: str("primary-manifest"),
		FirmwareURL: str("primary-firmware"),
	}
	cfg.SecondarySource = manifest.Source{
		Name:        "release",
		ManifestURL: str("secondary-manifest"),
		FirmwareURL: str("secondary-firmware"),
	}
	cfg.CABundle = str("ca-bundle")
	cfg.ManifestTimeout = flagDuration(cmd, "manifest-timeout", &err)
	cfg.DownloadTimeout = flagDuration(cmd, "download-timeout", &err)
	cfg.SessionTimeout = flagDuration(cmd, "session-timeout", &err)
	cfg.HashPolicy = version.Policy(str("hash-policy"))
	cfg.AutoRestart = flagBool(cmd, "auto-restart", &err)
	cfg.RestartDelay = flagDuration(cmd, "restart-delay", &err)
	cfg.RestartCommand = flagStringSlice(cmd, "restart-command", &err)
	cfg.Broker = str("broker")
	cfg.DeviceID = str("device-id")
	cfg.Health = health.Config{
		SettleDelay:       flagDuration(cmd, "settle-delay", &err),
		AdvisoryRetries:   flagUint64(cmd, "advisory-retries", &err),
		RetryInterval:     flagDuration(cmd, "retry-interval", &err),
		BootLoopThreshold: int(flagUint(cmd, "boot-loop-threshold", &err)),
	}
	cfg.MinFreeMemory = flagUint64(cmd, "min-free-memory", &err)
	if err != nil {
		return Config{}, err
	}
	if !cfg.HashPolicy.Valid() {
		return Config{}, fmt.Errorf("invalid hash-policy %q", cfg.HashPolicy)
	}
	if cfg.PrimarySource.ManifestURL == "" && cfg.SecondarySource.ManifestURL == "" {
		return Config{}, fmt.Errorf("no update source configured (set --primary-manifest or --secondary-manifest)")
	}
	return cfg, nil
}

// flagString resolves a flag with environment fallback: an unset flag takes
// its value from GLOWDECK_<NAME> when present.
func flagString(cmd *cobra.Command, name string) (string, error) {
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetString(name), nil
	}
	return cmd.Flags().GetString(name)
}

func flagInt64(cmd *cobra.Command, name string, err *error) int64 {
	if *err != nil {
		return 0
	}
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetInt64(name)
	}
	v, e := cmd.Flags().GetInt64(name)
	*err = e
	return v
}

func flagUint64(cmd *cobra.Command, name string, err *error) uint64 {
	if *err != nil {
		return 0
	}
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetUint64(name)
	}
	v, e := cmd.Flags().GetUint64(name)
	*err = e
	return v
}

func flagUint(cmd *cobra.Command, name string, err *error) uint {
	if *err != nil {
		return 0
	}
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetUint(name)
	}
	v, e := cmd.Flags().GetUint(name)
	*err = e
	return v
}

func flagBool(cmd *cobra.Command, name string, err *error) bool {
	if *err != nil {
		return false
	}
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetBool(name)
	}
	v, e := cmd.Flags().GetBool(name)
	*err = e
	return v
}

func flagDuration(cmd *cobra.Command, name string, err *error) time.Duration {
	if *err != nil {
		return 0
	}
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetDuration(name)
	}
	v, e := cmd.Flags().GetDuration(name)
	*err = e
	return v
}

func flagStringSlice(cmd *cobra.Command, name string, err *error) []string {
	if *err != nil {
		return nil
	}
	if !cmd.Flags().Changed(name) && viper.IsSet(name) {
		return viper.GetStringSlice(name)
	}
	v, e := cmd.Flags().GetStringSlice(name)
	*err = e
	return v
}
