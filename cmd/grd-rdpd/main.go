// Command grd-rdpd is the headless RDP Graphics Pipeline streaming
// daemon: it accepts one dynamic-virtual-channel connection per remote
// session, negotiates RDP Graphics Pipeline capabilities, and drives a
// synthetic capture source through the damage/encode/pace pipeline.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/config"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "grd-rdpd",
	Short: "GNOME Remote Desktop RDP streaming daemon",
	Long:  `grd-rdpd accepts RDP Graphics Pipeline sessions and streams a desktop capture source to connected clients.`,
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
		fmt.Printf("grd-rdpd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/gnome-remote-desktop/grd-rdpd.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
// When a log file is configured it also starts a SIGHUP handler that
// reopens the file in place, so `logrotate` can rename it out from
// under grd-rdpd without a restart.
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		lf, err := newRDPLogFile(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = io.MultiWriter(os.Stdout, lf)
			watchSIGHUP(lf)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

// watchSIGHUP reopens lf on every SIGHUP for the lifetime of the
// process. It never returns.
func watchSIGHUP(lf *rdpLogFile) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			if err := lf.Reopen(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to reopen log file: %v\n", err)
			}
		}
	}()
}

func runDaemon() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)
	log.Info("starting grd-rdpd", "version", version, "listen", fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort))

	d, err := newDaemon(cfg)
	if err != nil {
		log.Error("failed to initialize daemon", "error", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("grd-rdpd stopped")
}
