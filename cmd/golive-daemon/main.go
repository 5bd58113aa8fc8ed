package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/golive/daemon/internal/audit"
	"github.com/golive/daemon/internal/config"
	"github.com/golive/daemon/internal/controlchannel"
	"github.com/golive/daemon/internal/health"
	"github.com/golive/daemon/internal/logging"
	"github.com/golive/daemon/internal/session"
	"github.com/golive/daemon/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "golive-daemon",
	Short: "Go-Live signaling and media negotiation daemon",
	Long:  `golive-daemon negotiates and drives one Discord Go-Live session at a time on behalf of a local browser extension.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("golive-daemon v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the control-channel address and settings from the loaded config",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is platform config dir/golive.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after
// config.Load(). Returns the rotating file writer when cfg.LogFile is
// set, so the caller can reopen it on SIGHUP.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	var output io.Writer = os.Stdout
	var rw *logging.RotatingWriter
	logFileFallback := false

	if cfg.LogFile != "" {
		var err error
		rw, err = logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
			rw = nil
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}

	return rw
}

// daemonComponents holds everything runDaemon starts so shutdown can
// stop them in the order §5's cancellation sequence expects.
type daemonComponents struct {
	controlSrv *controlchannel.Server
	pool       *workerpool.Pool
	auditLog   *audit.Logger
	logFile    *logging.RotatingWriter
}

func shutdownDaemon(comps *daemonComponents) {
	if comps == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := comps.controlSrv.Stop(ctx); err != nil {
		log.Warn("control channel shutdown error", "error", err)
	}

	comps.pool.StopAccepting()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	comps.pool.Drain(drainCtx)

	if comps.auditLog != nil {
		comps.auditLog.Log(audit.EventDaemonStop, "", nil)
		comps.auditLog.Close()
	}
}

func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logFile := initLogging(cfg)

	log.Info("starting daemon", "version", version)

	healthMon := health.NewMonitor()
	healthMon.Update("session", health.Degraded, "idle")

	auditLog, err := audit.NewLogger(cfg)
	if err != nil {
		log.Error("failed to open audit log, continuing without tamper-evident audit trail", "error", err)
	}
	if auditLog != nil {
		auditLog.Log(audit.EventDaemonStart, "", map[string]any{"version": version})
	}

	pool := workerpool.New(cfg.MaxConcurrentCommands, cfg.CommandQueueSize)

	controlSrv := controlchannel.New(cfg.ControlChannelHost, cfg.ControlChannelPort)
	desktop := session.NewWmctrlDesktop()
	controller := session.New(cfg, healthMon, auditLog, pool, desktop, controlSrv)
	controlSrv.SetHandler(controller)

	if err := controlSrv.Start(); err != nil {
		log.Error("failed to start control channel", "error", err)
		os.Exit(1)
	}

	log.Info("daemon is running", "controlChannel", fmt.Sprintf("%s:%d", cfg.ControlChannelHost, cfg.ControlChannelPort))

	comps := &daemonComponents{controlSrv: controlSrv, pool: pool, auditLog: auditLog, logFile: logFile}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if comps.logFile != nil {
				if err := comps.logFile.Reopen(); err != nil {
					log.Error("failed to reopen log file on SIGHUP", "error", err)
				} else {
					log.Info("reopened log file on SIGHUP")
				}
			}
			continue
		}
		break
	}

	log.Info("shutting down daemon")
	shutdownDaemon(comps)
	log.Info("daemon stopped")
}

// checkStatus is a thin diagnostic: it does not connect to the running
// daemon's control channel (that socket is a single-client media
// control plane, not a status API); it reports what a freshly loaded
// config would use.
func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: failed to load config:", err)
		os.Exit(1)
	}
	fmt.Printf("Control channel: %s:%d\n", cfg.ControlChannelHost, cfg.ControlChannelPort)
	fmt.Printf("Log level: %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Printf("Teardown budget: %ds\n", cfg.TeardownTimeoutSeconds)
}
