// Package engine owns the process-wide orchestrator: Settings, the
// Torrent aggregate, the request pipeline, and the Engine that manages
// many torrents behind add/start/pause/stop/remove/get_snapshot. Grounded
// on the teacher's torrent/client.go (the downloadPiecesWithContext loop:
// per-piece buffers, periodic checkpointing, progress callback) and
// torrent/state.go, generalized from a single leech-only download into
// the full lifecycle spec §4.11 describes.
package engine

// Settings configures an Engine and its Torrents, matching spec §6's
// "Settings object (core-consumed)" table. Bound from a config file and
// environment by cmd/bitpeerd via spf13/viper; the zero value is not
// useful on its own, construct with DefaultSettings and override fields.
type Settings struct {
	DefaultDownloadPath string `mapstructure:"default_download_path"`
	StatePath           string `mapstructure:"state_path"`

	MaxConnections          int `mapstructure:"max_connections"`
	MaxHalfOpenConnections  int `mapstructure:"max_half_open_connections"`
	MaxPiecesInFlight       int `mapstructure:"max_pieces_in_flight"`
	MaxRequestsPerPeer      int `mapstructure:"max_requests_per_peer"`

	GlobalMaxDownloadBps int64 `mapstructure:"global_max_download_bps"`
	GlobalMaxUploadBps   int64 `mapstructure:"global_max_upload_bps"`

	// TrackerHeaders/TrackerCookies are keyed by the tracker's announce
	// URL string, per spec §6.
	TrackerHeaders map[string]map[string]string `mapstructure:"tracker_headers"`
	TrackerCookies map[string]string            `mapstructure:"tracker_cookies"`

	ListenPortMin int `mapstructure:"listen_port_min"`
	ListenPortMax int `mapstructure:"listen_port_max"`
}

// DefaultSettings returns the engine-level defaults from §6, including
// §4.7 max_pieces_in_flight=100. The §4.6 endgame M=20 and the §4.7
// block_timeout=60s are constants of their owning components (picker,
// engine/torrent.go).
func DefaultSettings() Settings {
	return Settings{
		DefaultDownloadPath:   ".",
		StatePath:             ".bitpeer",
		MaxConnections:        50,
		MaxHalfOpenConnections: 10,
		MaxPiecesInFlight:     100,
		MaxRequestsPerPeer:    128,
		ListenPortMin:         49152,
		ListenPortMax:         65535,
	}
}
