package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kepler-edge-go/internal/api/handlers"
	"kepler-edge-go/internal/config"
	"kepler-edge-go/internal/helpers"
	"kepler-edge-go/internal/logging"
	"kepler-edge-go/internal/services/capture"
	"kepler-edge-go/internal/services/central"
	"kepler-edge-go/internal/services/messaging"
	"kepler-edge-go/internal/services/motion"
	"kepler-edge-go/internal/services/processor"
	"kepler-edge-go/internal/services/ringbuffer"
	"kepler-edge-go/internal/services/transfer"
	"kepler-edge-go/internal/staging"
	"kepler-edge-go/internal/storage"
)

// Shutdown stops stages in this order: producers first, so every component
// drains what the one before it handed over.
var shutdownOrder = []string{"capture", "motion", "processor", "transfer", "bus", "shipper"}

// ServiceContainer holds all services
type ServiceContainer struct {
	Config    *config.Config
	Frames    *ringbuffer.Buffer
	Capture   *capture.Service
	Detector  *motion.Detector
	Processor *processor.Processor
	Transfer  *transfer.Manager
	Disk      *transfer.DiskMonitor
	Watcher   *transfer.StagingWatcher
	Central   *central.Client
	Bus       *messaging.Bus
	NATS      *messaging.Service
	MQTT      *messaging.MQTTPublisher
	Ledger    *storage.Ledger
	Shipper   *logging.Shipper

	mu        sync.Mutex
	diskHooks []func(alert bool)
	stages    map[string]*stage
}

type stage struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServiceContainer builds every component from cfg. client and shipper are
// created by the caller so log shipping can be attached to the global logger
// before any service logger is derived from it; shipper may be nil.
func NewServiceContainer(cfg *config.Config, client *central.Client, shipper *logging.Shipper) (*ServiceContainer, error) {
	sc := &ServiceContainer{
		Config:  cfg,
		Central: client,
		Shipper: shipper,
		stages:  make(map[string]*stage),
	}

	frames, err := ringbuffer.New(cfg.EffectiveRingCapacity())
	if err != nil {
		return nil, fmt.Errorf("ring buffer: %w", err)
	}
	sc.Frames = frames
	log.Info().
		Int("capacity", frames.Capacity()).
		Int("required", cfg.RequiredCapacity()).
		Msg("Frame ring buffer ready")

	sc.Bus = messaging.NewBus(cfg.CameraID, logging.NewServiceLogger(cfg, "bus"))
	if cfg.NatsEnabled {
		nc, err := messaging.NewService(cfg)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NatsURL).Msg("NATS unavailable, status messages will not be published there")
		} else {
			sc.NATS = nc
			sc.Bus.AddSink(nc)
		}
	}
	if cfg.MQTTBroker != "" {
		sc.MQTT = messaging.NewMQTTPublisher(cfg, logging.NewServiceLogger(cfg, "mqtt"))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sc.MQTT.Connect(ctx); err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTTBroker).Msg("MQTT not connected yet, retrying in background")
		}
		cancel()
		sc.Bus.AddSink(sc.MQTT)
	}

	layout := staging.Layout{Dir: cfg.StagingDir}
	if err := layout.Ensure(); err != nil {
		sc.closeSinks()
		return nil, fmt.Errorf("staging directory: %w", err)
	}
	removed, err := layout.SweepOrphans()
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.StagingDir).Msg("Orphan sweep failed")
	} else if len(removed) > 0 {
		log.Info().Strs("files", removed).Msg("Removed orphaned staging files")
	}

	sc.Processor = processor.New(processor.Options{
		CameraID:         cfg.CameraID,
		FPS:              cfg.CaptureFPS,
		WriteRetries:     cfg.StagingWriteRetries,
		QueueSoftLimit:   cfg.EventQueueSoftLimit,
		DrainTimeout:     cfg.ShutdownTimeout / 2,
		SecondStillDelay: cfg.SecondStillDelay,
	}, frames, layout,
		processor.NewFFmpegEncoder(cfg.FFmpegPath, logging.NewServiceLogger(cfg, "ffmpeg")),
		helpers.Thumbnailer{Width: cfg.ThumbnailWidth, Height: cfg.ThumbnailHeight, Quality: cfg.JPEGQuality},
		sc.Bus, logging.NewServiceLogger(cfg, "processor"))

	sc.Detector = motion.NewDetector(motion.Options{
		PreRoll:      cfg.PreRoll,
		PostRoll:     cfg.PostRoll,
		MaxEpisode:   cfg.MaxEpisode,
		ScanInterval: cfg.MotionScanInterval,
	}, frames,
		helpers.GreenDiffClassifier{Threshold: cfg.MotionThreshold, Sensitivity: cfg.MotionSensitivity},
		sc.Processor, logging.NewServiceLogger(cfg, "motion"))

	sc.Capture = capture.New(capture.Options{FPS: cfg.CaptureFPS},
		helpers.NewVideoGrabber(cfg.CaptureSource, cfg.CaptureWidth, cfg.CaptureHeight, cfg.JPEGQuality),
		frames, logging.NewServiceLogger(cfg, "capture"))

	var recorder transfer.DeliveryRecorder
	if cfg.LedgerPath != "" {
		ledger, err := storage.OpenLedger(cfg.LedgerPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.LedgerPath).Msg("Delivery ledger unavailable, continuing without history")
		} else {
			sc.Ledger = ledger
			recorder = ledger
		}
	}

	sc.Transfer = transfer.NewManager(transfer.Options{
		CameraID:        cfg.CameraID,
		PollInterval:    cfg.TransferPollInterval,
		NetworkTimeout:  cfg.NetworkTimeout,
		Backoff:         transfer.Backoff{Min: cfg.TransferBackoffMin, Max: cfg.TransferBackoffMax, JitterPct: 10},
		StatsInterval:   cfg.TransferStatsEvery,
		StallAlertAfter: 10,
	}, layout,
		transfer.NewFSStore(cfg.RemoteRoot, cfg.CameraID),
		client, recorder, sc.Bus, logging.NewServiceLogger(cfg, "transfer"))

	if cfg.WatchStaging {
		w, err := transfer.NewStagingWatcher(cfg.StagingDir, sc.Transfer.Wake, logging.NewServiceLogger(cfg, "watcher"))
		if err != nil {
			log.Warn().Err(err).Msg("Staging watcher unavailable, relying on polling")
		} else {
			sc.Watcher = w
		}
	}

	sc.Disk = transfer.NewDiskMonitor(cfg.StagingDir, cfg.DiskAlertPercent, cfg.DiskCheckInterval,
		sc.Bus, sc.diskChanged, logging.NewServiceLogger(cfg, "disk"))

	return sc, nil
}

// OnDiskAlert registers fn to be called whenever the disk alert is raised
// (true) or cleared (false).
func (sc *ServiceContainer) OnDiskAlert(fn func(alert bool)) {
	sc.mu.Lock()
	sc.diskHooks = append(sc.diskHooks, fn)
	sc.mu.Unlock()
}

func (sc *ServiceContainer) diskChanged(alert bool) {
	sc.mu.Lock()
	hooks := append([]func(bool){}, sc.diskHooks...)
	sc.mu.Unlock()
	for _, fn := range hooks {
		fn(alert)
	}
}

// Sources exposes the running components to the status API.
func (sc *ServiceContainer) Sources() handlers.Sources {
	src := handlers.Sources{
		Transfers: sc.Transfer,
		Queue:     sc.Processor,
		Frames:    sc.Frames,
		Disk:      sc.Disk,
		Alerts:    sc.Bus,
		Motion:    sc.Detector,
		Capture:   sc.Capture,
	}
	if sc.Central != nil {
		src.Central = sc.Central
	}
	if sc.Ledger != nil {
		src.History = sc.Ledger
	}
	return src
}

// Start launches every component. Each stage runs on its own context so
// Shutdown can stop them one at a time.
func (sc *ServiceContainer) Start() {
	sc.launch("bus", sc.Bus.Run, sc.Disk.Run, sc.registerLoop)
	if sc.Shipper != nil {
		sc.launch("shipper", sc.Shipper.Run)
	}

	transferRuns := []func(context.Context){sc.Transfer.Run}
	if sc.Watcher != nil {
		transferRuns = append(transferRuns, sc.Watcher.Run)
	}
	sc.launch("transfer", transferRuns...)
	sc.launch("processor", sc.Processor.Run)
	sc.launch("motion", sc.Detector.Run)
	sc.launch("capture", sc.Capture.Run)

	log.Info().
		Str("camera_id", sc.Config.CameraID).
		Str("staging_dir", sc.Config.StagingDir).
		Str("remote_root", sc.Config.RemoteRoot).
		Str("session_id", sc.Bus.SessionID()).
		Msg("Agent pipeline started")
}

func (sc *ServiceContainer) registerLoop(ctx context.Context) {
	if sc.Central == nil {
		return
	}
	sc.Central.RegisterForever(ctx)
}

func (sc *ServiceContainer) launch(name string, runs ...func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	st := &stage{cancel: cancel, done: make(chan struct{})}

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	go func() {
		wg.Wait()
		close(st.done)
	}()

	sc.mu.Lock()
	sc.stages[name] = st
	sc.mu.Unlock()
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, name := range shutdownOrder {
		sc.mu.Lock()
		st := sc.stages[name]
		sc.mu.Unlock()
		if st == nil {
			continue
		}

		st.cancel()
		select {
		case <-st.done:
			log.Debug().Str("stage", name).Msg("Stage stopped")
		case <-ctx.Done():
			log.Warn().Str("stage", name).Msg("Stage did not stop before the shutdown deadline")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", name, ctx.Err())
			}
		}

		if name == "bus" {
			sc.closeSinks()
			if sc.Ledger != nil {
				if err := sc.Ledger.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close delivery ledger")
				}
			}
		}
	}
	return firstErr
}

func (sc *ServiceContainer) closeSinks() {
	if sc.NATS != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := sc.NATS.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
		}
		cancel()
	}
	if sc.MQTT != nil {
		sc.MQTT.Disconnect()
	}
}
