package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coordkv/coordstore/internal/di"
	"github.com/coordkv/coordstore/metrics"
	"github.com/coordkv/coordstore/stream"
	"github.com/coordkv/coordstore/utils"
	"github.com/coordkv/coordstore/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a coordstore log server"
	long                  = "This command starts a coordstore replicated log server"
	example               = "coordstore start --config <path>"
	defaultConfigFilePath = "./coordstore.yml"
	configDesc            = "set the path for the coordstore YAML configuration file"

	diskUsageMonitorInterval = 10 * time.Minute
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	globalCtx, globalCancel := context.WithCancel(ctx)
	defer globalCancel()

	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}
	config.StartTime = time.Now()

	// Initialize coordstore services.
	// -------------------------------
	log.Info("initializing coordstore...")

	start := time.Now()
	c := di.NewContainer(config)

	if config.StreamEnabled {
		stream.Initialize()
	}

	raftLog := c.GetLog()
	rt := c.GetRuntime()

	runtimeErrC := make(chan error, 1)
	go func() {
		runtimeErrC <- rt.Run(globalCtx)
	}()
	go c.GetCompactor().Run(globalCtx)

	go metrics.StartDiskUsageMonitor(metrics.TotalDiskUsageBytes, c.GetAbsRootDir(), diskUsageMonitorInterval)

	startupTime := time.Since(start)
	metrics.StartupTime.Set(startupTime.Seconds())
	log.Info("startup time: %s", startupTime)

	// Set up the HTTP surface: prometheus metrics and the commit stream.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if config.StreamEnabled {
		mux.HandleFunc("/ws", stream.Handler)
	}
	server := &http.Server{Addr: config.ListenPort, Handler: mux}
	go func() {
		log.Info("serving on %s", config.ListenPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped: %v", err)
		}
	}()

	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-runtimeErrC:
			if err != nil && err != context.Canceled {
				return fmt.Errorf("state machine runtime halted: %w", err)
			}
			return nil
		case sig := <-sigChannel:
			switch sig {
			case syscall.SIGUSR1:
				log.Info("dumping stack traces due to SIGUSR1 request")
				if err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err != nil {
					log.Error("failed to dump goroutines: %v", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("initiating graceful shutdown due to %v request", sig)
				if config.StopGracePeriod > 0 {
					log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
					time.Sleep(config.StopGracePeriod)
				}
				globalCancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error("failed to shut down http server: %v", err)
				}
				shutdownCancel()

				log.Info("flushing log to disk...")
				if err := raftLog.Writer().Flush(); err != nil {
					log.Error("failed to flush log on shutdown: %v", err)
				}
				if err := raftLog.Close(); err != nil {
					log.Error("failed to close log: %v", err)
				}
				log.Info("exiting...")
				return nil
			}
		}
	}
}
