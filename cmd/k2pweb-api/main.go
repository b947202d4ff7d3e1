// Command k2pweb-api runs the HTTP intake API: accepts bundle uploads,
// validates and persists them, and serves job status/logs/result
// downloads. Grounded on cmd/quaero/main.go's flag/config/logger/banner
// startup sequence, narrowed to the one server this process runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/k2pweb/internal/app"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/dispatcherwiring"
	"github.com/ternarybob/k2pweb/internal/server"
)

type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
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
		fmt.Printf("k2pweb-api version %s\n", common.GetVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
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

	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.SetupLogger(config)
	common.PrintBanner("k2pweb-api", config, logger)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	// The dispatcher runs inline by default: Badger's directory lock
	// admits only one OS process, so cmd/k2pweb-dispatcher as a separate
	// process requires dispatcher.run_inline=false. See DESIGN.md.
	var stopDispatcher func()
	if config.Dispatcher.RunInline {
		sup, closeBackend, err := dispatcherwiring.BuildSupervisor(application.Store, config, logger, application.Metrics)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to construct dispatcher")
		}
		sup.Start()
		stopDispatcher = func() {
			sup.Stop()
			closeBackend()
		}
	}

	shutdownChan := make(chan struct{})

	srv := server.New(application)
	srv.SetShutdownChannel(shutdownChan)

	common.SafeGo(logger, "http-server", func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	})

	time.Sleep(100 * time.Millisecond)
	logger.Info().Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("k2pweb-api ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case <-shutdownChan:
		logger.Info().Msg("Shutdown requested via HTTP")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	if stopDispatcher != nil {
		stopDispatcher()
	}

	common.PrintShutdownBanner("k2pweb-api", logger)
	common.Stop()
}
