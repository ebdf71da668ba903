package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zboralski/tarsier"
	"github.com/zboralski/tarsier/internal/config"
	glog "github.com/zboralski/tarsier/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tarsier",
		Short: "Emulate ARM64 iOS binaries and message their Objective-C classes",
		Long: `tarsier loads an ARM64 Mach-O image into an emulated iOS process, binds its
imports to host stubs and an Objective-C runtime, and lets you send messages
into the image's classes.

Examples:
  tarsier info Sample                          # segments, symbols, classes
  tarsier classes Sample                       # every class and selector
  tarsier send Sample Sample echo: hello       # +[Sample echo:]
  tarsier send --init --retval '-[NSBundle bundleIdentifier]=0' App Signer sign: data
  tarsier fetch https://example.com/App ./bin/App`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			glog.Init(viper.GetBool("debug"))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.Bool("debug", false, "debug logging")
	flags.Bool("trace", false, "trace every instruction")
	flags.String("backend", "", "cpu backend: interp or unicorn")
	flags.Uint64("max-insn", 0, "instruction budget per call (0 keeps the configured value)")
	flags.Bool("color", true, "colorize output")
	flags.String("rootfs", "", "host directory the guest sees as /")
	for _, name := range []string{"config", "debug", "trace", "backend", "max-insn", "color", "rootfs"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.BindEnv("color", "CLICOLOR")
	viper.SetEnvPrefix("tarsier")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newInfoCmd(), newClassesCmd(), newSendCmd(), newFetchCmd())
	return root
}

// loadConfig builds the session configuration from the config file,
// TARSIER_* variables and the global flags, in that order.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if viper.IsSet("backend") && viper.GetString("backend") != "" {
		cfg.Backend = viper.GetString("backend")
	}
	if root := viper.GetString("rootfs"); root != "" {
		cfg.RootFS = root
	}
	if n := viper.GetUint64("max-insn"); n != 0 {
		cfg.MaxInstructions = n
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}
	if viper.GetBool("trace") {
		cfg.Trace = true
	}
	cfg.TraceColor = viper.GetBool("color")
	return cfg, cfg.Validate()
}

// openSession creates a session and loads image into it.
func openSession(image string, execInit bool) (*tarsier.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := tarsier.New(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.LoadModule(image, execInit); err != nil {
		s.Close()
		return nil, fmt.Errorf("load %s: %w", image, err)
	}
	return s, nil
}
