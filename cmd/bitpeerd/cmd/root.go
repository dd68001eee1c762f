// Package cmd wires bitpeerd's command-line surface: flags and config
// file are bound through spf13/viper into an engine.Settings, and the
// root command brings up an engine.Engine and blocks until interrupted.
// Grounded on cmd/go-torrent/main.go's usage/flag handling, generalized
// from a single one-shot download into a long-lived daemon per spec
// §4.11, and on uber-kraken's agent/cmd/root.go for the cobra root
// command + persistent-flag layout.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nvilla/bitpeer/engine"
)

// ErrBadArguments and ErrStartupIO classify a run failure into the
// process exit codes spec §7 expects of an embedding CLI: 2 for bad
// arguments, 3 for I/O failure at startup, 1 for anything else.
var (
	ErrBadArguments = errors.New("bad arguments")
	ErrStartupIO    = errors.New("startup i/o failure")
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bitpeerd [torrent-file ...]",
	Short: "bitpeerd downloads and seeds the given .torrent files until interrupted",
	RunE:  runDaemon,
}

func init() {
	defaults := engine.DefaultSettings()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "configuration file (yaml/json/toml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.String("download-path", defaults.DefaultDownloadPath, "default directory downloaded files are written into")
	flags.String("state-path", defaults.StatePath, "directory resume records and torrents.json are kept in")
	flags.Int("max-connections", defaults.MaxConnections, "per-torrent connection cap")
	flags.Int("max-half-open-connections", defaults.MaxHalfOpenConnections, "per-torrent half-open dial cap")
	flags.Int("max-pieces-in-flight", defaults.MaxPiecesInFlight, "per-torrent concurrent piece budget")
	flags.Int("max-requests-per-peer", defaults.MaxRequestsPerPeer, "per-peer outstanding block request budget")
	flags.Int64("global-max-download-bps", defaults.GlobalMaxDownloadBps, "process-wide download rate limit in bytes/sec (0 disables)")
	flags.Int64("global-max-upload-bps", defaults.GlobalMaxUploadBps, "process-wide upload rate limit in bytes/sec (0 disables)")
	flags.Int("listen-port-min", defaults.ListenPortMin, "lowest inbound TCP port to try")
	flags.Int("listen-port-max", defaults.ListenPortMax, "highest inbound TCP port to try")

	bind("default_download_path", "download-path")
	bind("state_path", "state-path")
	bind("max_connections", "max-connections")
	bind("max_half_open_connections", "max-half-open-connections")
	bind("max_pieces_in_flight", "max-pieces-in-flight")
	bind("max_requests_per_peer", "max-requests-per-peer")
	bind("global_max_download_bps", "global-max-download-bps")
	bind("global_max_upload_bps", "global-max-upload-bps")
	bind("listen_port_min", "listen-port-min")
	bind("listen_port_max", "listen-port-max")

	viper.SetEnvPrefix("bitpeer")
	viper.AutomaticEnv()
	cobra.OnInitialize(initConfig)
}

func bind(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(err) // programmer error: flagName must exist
	}
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		logrus.WithError(err).Warn("could not read config file, continuing with flags/env only")
	}
}

// Execute runs the root command, returning the process exit code spec
// §7 specifies for an embedding CLI: 0 success, 1 generic error, 2 bad
// arguments, 3 I/O failure at startup.
func Execute() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadArguments):
		fmt.Fprintln(os.Stderr, err)
		return 2
	case errors.Is(err, ErrStartupIO):
		fmt.Fprintln(os.Stderr, err)
		return 3
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	for _, torrentPath := range args {
		if _, err := os.Stat(torrentPath); err != nil {
			return fmt.Errorf("%w: %v", ErrBadArguments, err)
		}
	}

	var settings engine.Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return fmt.Errorf("%w: parsing settings: %v", ErrBadArguments, err)
	}

	eng, err := engine.New(settings)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartupIO, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	for _, torrentPath := range args {
		if _, err := eng.AddTorrent(torrentPath, ""); err != nil {
			logrus.WithError(err).WithField("torrent_file", torrentPath).Error("failed to add torrent")
		}
	}

	return waitForShutdown(eng)
}

// waitForShutdown blocks logging periodic progress until SIGINT/SIGTERM,
// then stops the engine (every torrent announces "stopped" and
// checkpoints its resume record) before returning.
func waitForShutdown(eng *engine.Engine) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			logrus.Info("shutting down")
			eng.Stop()
			return nil
		case <-ticker.C:
			logProgress(eng)
		}
	}
}

func logProgress(eng *engine.Engine) {
	for _, snap := range eng.Snapshot() {
		logrus.WithFields(logrus.Fields{
			"torrent":  snap.Name,
			"status":   snap.Status.String(),
			"progress": fmt.Sprintf("%.1f%%", snap.Progress*100),
			"peers":    snap.PeersConnected,
		}).Info("progress")
	}
}
