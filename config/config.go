package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

const defaultPath = "/etc/facecam/config.json"

type Config struct {
	Device      string `json:"device"`
	PixelFormat string `json:"pixel_format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`

	FallbackWidth  int `json:"fallback_width"`
	FallbackHeight int `json:"fallback_height"`
	RefreshHz      int `json:"refresh_hz"`

	DetectIntervalMs   int     `json:"detect_interval_ms"`
	AnalysisWidth      int     `json:"analysis_width"`
	MaxInFlight        int     `json:"max_in_flight"`
	MinExpressionScore float64 `json:"min_expression_score"`

	DetectorCommand   []string `json:"detector_command"`
	DetectorTimeoutMs int      `json:"detector_timeout_ms"`
	LoadTimeoutMs     int      `json:"load_timeout_ms"`
	LoadRetries       int      `json:"load_retries"`

	RecordFPS   int    `json:"record_fps"`
	OutputDir   string `json:"output_dir"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	FFmpeg      string `json:"ffmpeg"`
	VideoCodec  string `json:"video_codec"`

	Socket        string `json:"socket"`
	PidFile       string `json:"pid_file"`
	CompositorCPU *int   `json:"compositor_cpu"`
}

// Path returns the config file location, honouring FACECAM_CONFIG.
func Path() string {
	if p := os.Getenv("FACECAM_CONFIG"); p != "" {
		return p
	}
	return defaultPath
}

func Load() *Config {
	return LoadFile(Path())
}

// LoadFile reads path and fills every unset field with its default. A missing
// or broken file only produces a warning.
func LoadFile(path string) *Config {
	conf, err := loadFromFile(path)
	if err != nil {
		slog.Warn("Failed to load config file", "path", path, "error", err)
	}
	if conf == nil {
		conf = &Config{}
	}
	conf.applyDefaults()
	return conf
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

func (conf *Config) applyDefaults() {
	if conf.Device == "" {
		conf.Device = "/dev/video0"
	}
	if conf.PixelFormat == "" {
		conf.PixelFormat = "mjpeg"
	}
	if conf.Width <= 0 || conf.Height <= 0 {
		conf.Width, conf.Height = 1280, 720
	}
	if conf.FallbackWidth <= 0 || conf.FallbackHeight <= 0 {
		conf.FallbackWidth, conf.FallbackHeight = 940, 650
	}
	if conf.RefreshHz <= 0 {
		conf.RefreshHz = 60
	}
	if conf.DetectIntervalMs <= 0 {
		conf.DetectIntervalMs = 100
	}
	if conf.AnalysisWidth < 0 {
		conf.AnalysisWidth = 0
	} else if conf.AnalysisWidth == 0 {
		conf.AnalysisWidth = 320
	}
	if conf.MaxInFlight <= 0 {
		conf.MaxInFlight = 1
	}
	if conf.MinExpressionScore <= 0 || conf.MinExpressionScore >= 1 {
		conf.MinExpressionScore = 0.1
	}
	if len(conf.DetectorCommand) == 0 {
		conf.DetectorCommand = []string{"python3", "-u", "detector/worker.py"}
	}
	if conf.DetectorTimeoutMs <= 0 {
		conf.DetectorTimeoutMs = 5000
	}
	if conf.LoadTimeoutMs <= 0 {
		conf.LoadTimeoutMs = 30000
	}
	if conf.LoadRetries <= 0 {
		conf.LoadRetries = 3
	}
	if conf.RecordFPS <= 0 {
		conf.RecordFPS = 30
	}
	if conf.OutputDir == "" {
		conf.OutputDir = "."
	}
	if conf.Filename == "" {
		conf.Filename = "face_recording.webm"
	}
	if conf.ContentType == "" {
		conf.ContentType = "video/webm"
	}
	if conf.FFmpeg == "" {
		conf.FFmpeg = "ffmpeg"
	}
	if conf.VideoCodec == "" {
		conf.VideoCodec = "libvpx"
	}
	if conf.Socket == "" {
		conf.Socket = "/run/facecam/facecamd.sock"
	}
	if conf.PidFile == "" {
		conf.PidFile = "/run/facecam/facecamd.pid"
	}
	if conf.CompositorCPU == nil {
		off := -1
		conf.CompositorCPU = &off
	}
}

func (conf *Config) DetectInterval() time.Duration {
	return time.Duration(conf.DetectIntervalMs) * time.Millisecond
}

func (conf *Config) RefreshInterval() time.Duration {
	return time.Second / time.Duration(conf.RefreshHz)
}

func (conf *Config) DetectorTimeout() time.Duration {
	return time.Duration(conf.DetectorTimeoutMs) * time.Millisecond
}

func (conf *Config) LoadTimeout() time.Duration {
	return time.Duration(conf.LoadTimeoutMs) * time.Millisecond
}

func loadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &Config{}
	err = json.NewDecoder(file).Decode(config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
