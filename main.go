package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shenjiangwei/kalloc/config"
	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string

	settings  *config.Config
	allocator *kalloc.Allocator
)

var rootCmd = &cobra.Command{
	Use:   "kallocctl",
	Short: "Drive and inspect the kalloc size-class allocator",
	Long: `kallocctl builds a kalloc allocator from a configuration file and the
KALLOC_* environment, then prints its size classes, explains how sizes are
resolved, runs concurrent workloads against it, or serves it over RPC.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: none, fatal, error, warning, info or debug")
	// glog flags such as -v and -logtostderr
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// setup loads the configuration and initializes the allocator
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if settings, err = config.Load(configPath); err != nil {
		return err
	}
	level := settings.LogLevel
	if logLevel != "" {
		if level, err = config.ParseLogLevel(logLevel); err != nil {
			return err
		}
	}
	logger.SetLevel(level)

	allocator = kalloc.Init(settings.Kalloc)
	return nil
}

func main() {
	defer logger.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Flush()
		os.Exit(1)
	}
}
