package main

import (
	"os"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glowdeck/glowdeck/pkg/agent"
	"github.com/glowdeck/glowdeck/pkg/types"
)

// Globals for Debug logging flag and version reporting.
var (
	debug     bool
	version   string
	buildDate string
)

func newRootCmd() *cobra.Command {
	fw := types.FirmwareInfo{
		Version:   version,
		BuildDate: buildDate,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	rootCmd := &cobra.Command{
		Use:   "glowdeck",
		Short: "Glowdeck",
		Long:  "Glowdeck: firmware update agent for the Glowdeck display",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
		SilenceUsage: true,
		Version:      version,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&debug, "debug", false, "enable debug level logging")

	rootCmd.AddCommand(
		agent.NewAgentCmd(fw),
		agent.NewCheckCmd(fw),
		agent.NewUpdateCmd(fw),
		agent.NewRollbackCmd(fw),
		agent.NewValidateCmd(fw),
		agent.NewSourceCmd(fw),
	)
	return rootCmd
}

func initConfig() {
	viper.SetEnvPrefix("glowdeck")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("Error: %v", err)
		os.Exit(1)
	}
}
