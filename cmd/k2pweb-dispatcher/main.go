// Command k2pweb-dispatcher runs the C5 supervisor as its own OS process,
// for deployments that split the API and dispatcher across hosts. Refuses
// to start when dispatcher.run_inline is true (the default), since
// cmd/k2pweb-api already owns the dispatcher in that mode and Badger's
// directory lock only ever admits one process — see DESIGN.md.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/dispatcherwiring"
	"github.com/ternarybob/k2pweb/internal/jobstore"
	"github.com/ternarybob/k2pweb/internal/metrics"
)

type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("k2pweb-dispatcher version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("k2pweb.toml"); err == nil {
			configFiles = append(configFiles, "k2pweb.toml")
		} else if _, err := os.Stat("deployments/local/k2pweb.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/k2pweb.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := common.GetLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)

	if config.Dispatcher.RunInline {
		logger.Fatal().Msg("dispatcher.run_inline=true: k2pweb-api already runs the dispatcher; set run_inline=false to run this process standalone")
	}

	common.PrintBanner("k2pweb-dispatcher", config, logger)

	store, err := jobstore.Open(logger, jobstore.Config{
		BadgerPath:     config.Storage.BadgerPath,
		ResetOnStartup: false, // the api process owns reset-on-startup
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open job store")
	}
	defer store.Close()

	m := metrics.New()
	sup, closeBackend, err := dispatcherwiring.BuildSupervisor(store, config, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to construct dispatcher")
	}
	defer closeBackend()

	sup.Start()
	logger.Info().Msg("k2pweb-dispatcher ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, stopping dispatcher")
	sup.Stop()

	common.PrintShutdownBanner("k2pweb-dispatcher", logger)
	common.Stop()
}
