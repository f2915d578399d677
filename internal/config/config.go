package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Application
	Version     string
	Environment string
	Port        int
	LogLevel    string

	// Camera identity
	CameraID       string
	CameraName     string
	CameraLocation string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// Log shipping to the central service
	LogShippingEnabled bool
	LogBatchInterval   time.Duration
	LogBatchMax        int

	// Central coordination service
	CentralURL          string
	RegisterRetryDelays []time.Duration

	// NATS (status and alerts)
	NatsEnabled        bool
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int

	// MQTT mirror of status messages
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string

	// Capture
	CaptureSource string
	CaptureFPS    int
	CaptureWidth  int
	CaptureHeight int
	JPEGQuality   int

	// Ring buffer / event window
	RingCapacity int // 0 = derive from the window settings
	PreRoll      time.Duration
	PostRoll     time.Duration
	MaxEpisode   time.Duration

	// Motion detection
	MotionThreshold    int
	MotionSensitivity  int
	MotionScanInterval time.Duration

	// Event processing
	StagingDir          string
	EventQueueSoftLimit int
	StagingWriteRetries int
	ThumbnailWidth      int
	ThumbnailHeight     int
	SecondStillDelay    time.Duration // 0 disables the second still
	FFmpegPath          string

	// Transfer
	RemoteRoot           string
	TransferPollInterval time.Duration
	NetworkTimeout       time.Duration
	TransferBackoffMin   time.Duration
	TransferBackoffMax   time.Duration
	TransferStatsEvery   time.Duration
	WatchStaging         bool

	// Disk monitoring
	DiskAlertPercent   float64
	DiskCheckInterval  time.Duration
	LedgerPath         string
	GRPCHealthPort     int
	StatusPushInterval time.Duration

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

// fileValues holds keys loaded from AGENT_CONFIG_FILE. Environment variables win.
var fileValues = map[string]string{}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	if path := os.Getenv("AGENT_CONFIG_FILE"); path != "" {
		if err := loadFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to load config file, ignoring it")
		} else {
			log.Info().Str("path", path).Msg("Loaded configuration file")
		}
	}

	cameraID := getEnv("CAMERA_ID", "camera_1")

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "production"),
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Camera identity
		CameraID:       cameraID,
		CameraName:     getEnv("CAMERA_NAME", "Front Door Camera"),
		CameraLocation: getEnv("CAMERA_LOCATION", "Main Entrance"),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8081),

		// Log shipping
		LogShippingEnabled: getEnvBool("LOG_SHIPPING_ENABLED", false),
		LogBatchInterval:   getEnvDuration("LOG_BATCH_INTERVAL", 10*time.Second),
		LogBatchMax:        getEnvInt("LOG_BATCH_MAX", 500),

		// Central service
		CentralURL: getEnv("CENTRAL_URL", "http://192.168.1.26:8000/api/v1"),
		RegisterRetryDelays: []time.Duration{
			0, 5 * time.Second, 10 * time.Second, 30 * time.Second,
		},

		// NATS
		NatsEnabled:        getEnvBool("NATS_ENABLED", false),
		NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited

		// MQTT
		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "kepler-edge-"+cameraID),
		MQTTTopic:    getEnv("MQTT_TOPIC", "kepler/"+cameraID),

		// Capture
		CaptureSource: getEnv("CAPTURE_SOURCE", "0"),
		CaptureFPS:    getEnvInt("CAPTURE_FPS", 10),
		CaptureWidth:  getEnvInt("CAPTURE_WIDTH", 1280),
		CaptureHeight: getEnvInt("CAPTURE_HEIGHT", 720),
		JPEGQuality:   getEnvInt("JPEG_QUALITY", 80),

		// Ring buffer / event window
		RingCapacity: getEnvInt("RING_CAPACITY", 0),
		PreRoll:      getEnvDuration("PRE_ROLL", 5*time.Second),
		PostRoll:     getEnvDuration("POST_ROLL", 5*time.Second),
		MaxEpisode:   getEnvDuration("MAX_EPISODE", 60*time.Second),

		// Motion detection
		MotionThreshold:    getEnvInt("MOTION_THRESHOLD", 60),
		MotionSensitivity:  getEnvInt("MOTION_SENSITIVITY", 50),
		MotionScanInterval: getEnvDuration("MOTION_SCAN_INTERVAL", 100*time.Millisecond),

		// Event processing
		StagingDir:          getEnv("STAGING_DIR", "./staging"),
		EventQueueSoftLimit: getEnvInt("EVENT_QUEUE_SOFT_LIMIT", 32),
		StagingWriteRetries: getEnvInt("STAGING_WRITE_RETRIES", 3),
		ThumbnailWidth:      getEnvInt("THUMBNAIL_WIDTH", 240),
		ThumbnailHeight:     getEnvInt("THUMBNAIL_HEIGHT", 180),
		SecondStillDelay:    getEnvDuration("SECOND_STILL_DELAY", 4*time.Second),
		FFmpegPath:          getEnv("FFMPEG_PATH", "ffmpeg"),

		// Transfer
		RemoteRoot:           getEnv("REMOTE_ROOT", "/mnt/nfs_share"),
		TransferPollInterval: getEnvDuration("TRANSFER_POLL_INTERVAL", 250*time.Millisecond),
		NetworkTimeout:       getEnvDuration("NETWORK_TIMEOUT", 30*time.Second),
		TransferBackoffMin:   getEnvDuration("TRANSFER_BACKOFF_MIN", 1*time.Second),
		TransferBackoffMax:   getEnvDuration("TRANSFER_BACKOFF_MAX", 60*time.Second),
		TransferStatsEvery:   getEnvDuration("TRANSFER_STATS_INTERVAL", 60*time.Second),
		WatchStaging:         getEnvBool("WATCH_STAGING", true),

		// Disk monitoring, ledger, health
		DiskAlertPercent:   getEnvFloat("DISK_ALERT_PERCENT", 90),
		DiskCheckInterval:  getEnvDuration("DISK_CHECK_INTERVAL", 30*time.Second),
		LedgerPath:         getEnv("LEDGER_PATH", "./kepler-edge.db"),
		GRPCHealthPort:     getEnvInt("GRPC_HEALTH_PORT", 0),
		StatusPushInterval: getEnvDuration("STATUS_PUSH_INTERVAL", time.Second),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// RequiredCapacity is the smallest ring capacity, in frames, that can hold a
// full event window: pre-roll, the longest episode and post-roll.
func (c *Config) RequiredCapacity() int {
	window := c.PreRoll + c.MaxEpisode + c.PostRoll
	return int(math.Ceil(window.Seconds() * float64(c.CaptureFPS)))
}

// EffectiveRingCapacity returns the configured capacity, or the required
// capacity when none was set.
func (c *Config) EffectiveRingCapacity() int {
	if c.RingCapacity > 0 {
		return c.RingCapacity
	}
	return c.RequiredCapacity()
}

func loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	values := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range values {
		fileValues[k] = fmt.Sprint(v)
	}
	return nil
}

func lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fileValues[key]
}

func getEnv(key, defaultValue string) string {
	if value := lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := lookup(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := lookup(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := lookup(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := lookup(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
