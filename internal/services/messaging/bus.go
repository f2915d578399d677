package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	KindEvents    = "events"
	KindTransfers = "transfers"
	KindAlerts    = "alerts"
)

// Sink is a status transport (NATS, MQTT).
type Sink interface {
	PublishMessage(kind string, payload []byte) error
	Name() string
}

// Message is the envelope of every published status message.
type Message struct {
	SessionID string      `json:"session_id"`
	CameraID  string      `json:"camera_id"`
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type Alert struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Raised  time.Time              `json:"raised_at"`
}

type BusStats struct {
	SessionID string           `json:"session_id"`
	Queued    int              `json:"queued"`
	Published map[string]int   `json:"published"`
	Dropped   int              `json:"dropped"`
	Errors    map[string]int   `json:"errors"`
	Alerts    []Alert          `json:"recent_alerts"`
	Sinks     []string         `json:"sinks"`
	Active    map[string]Alert `json:"active_alerts"`
}

// Bus fans status messages out to every sink. Publishing never blocks the
// caller: messages go through a bounded queue and are dropped when it is full.
type Bus struct {
	cameraID  string
	sessionID string
	sinks     []Sink
	queue     chan Message
	logger    zerolog.Logger

	mu        sync.Mutex
	published map[string]int
	errors    map[string]int
	dropped   int
	alerts    []Alert
	active    map[string]Alert
}

const (
	busQueueSize = 256
	keepAlerts   = 20
)

func NewBus(cameraID string, logger zerolog.Logger, sinks ...Sink) *Bus {
	return &Bus{
		cameraID:  cameraID,
		sessionID: uuid.NewString(),
		sinks:     sinks,
		queue:     make(chan Message, busQueueSize),
		logger:    logger,
		published: make(map[string]int),
		errors:    make(map[string]int),
		active:    make(map[string]Alert),
	}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) SessionID() string { return b.sessionID }

// Publish queues payload for every sink under kind.
func (b *Bus) Publish(kind string, payload interface{}) {
	msg := Message{
		SessionID: b.sessionID,
		CameraID:  b.cameraID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	select {
	case b.queue <- msg:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// PublishAlert records the alert and publishes it. Kinds ending in "_ok"
// clear the matching raised alert (disk_ok clears disk_full).
func (b *Bus) PublishAlert(kind, message string, details map[string]interface{}) {
	a := Alert{Kind: kind, Message: message, Details: details, Raised: time.Now().UTC()}
	b.mu.Lock()
	b.alerts = append(b.alerts, a)
	if len(b.alerts) > keepAlerts {
		b.alerts = b.alerts[len(b.alerts)-keepAlerts:]
	}
	if cleared, ok := clears[kind]; ok {
		delete(b.active, cleared)
	} else {
		b.active[kind] = a
	}
	b.mu.Unlock()

	b.logger.Warn().Str("alert", kind).Fields(details).Msg(message)
	b.Publish(KindAlerts, a)
}

var clears = map[string]string{
	"disk_ok":         "disk_full",
	"backpressure_ok": "backpressure",
	"transfer_ok":     "transfer_stalled",
}

// Event, Transfer and Alert let the bus serve as the processor's and the
// transfer manager's reporter.
func (b *Bus) Event(payload interface{})    { b.Publish(KindEvents, payload) }
func (b *Bus) Transfer(payload interface{}) { b.Publish(KindTransfers, payload) }
func (b *Bus) Alert(kind, message string, details map[string]interface{}) {
	b.PublishAlert(kind, message, details)
}

// Run delivers queued messages until ctx is cancelled, then flushes what is
// left.
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("Message bus panicked")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-b.queue:
					b.deliver(msg)
				default:
					return
				}
			}
		case msg := <-b.queue:
			b.deliver(msg)
		}
	}
}

func (b *Bus) deliver(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("kind", msg.Kind).Msg("Failed to encode status message")
		return
	}

	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		err := s.PublishMessage(msg.Kind, payload)
		b.mu.Lock()
		if err != nil {
			b.errors[s.Name()]++
		} else {
			b.published[msg.Kind]++
		}
		b.mu.Unlock()
		if err != nil {
			b.logger.Debug().Err(err).Str("sink", s.Name()).Str("kind", msg.Kind).Msg("Failed to publish status message")
		}
	}
}

// ActiveAlerts returns the alerts raised and not yet cleared.
func (b *Bus) ActiveAlerts() map[string]Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Alert, len(b.active))
	for k, v := range b.active {
		out[k] = v
	}
	return out
}

func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BusStats{
		SessionID: b.sessionID,
		Queued:    len(b.queue),
		Published: make(map[string]int, len(b.published)),
		Dropped:   b.dropped,
		Errors:    make(map[string]int, len(b.errors)),
		Alerts:    append([]Alert(nil), b.alerts...),
		Active:    make(map[string]Alert, len(b.active)),
	}
	for k, v := range b.published {
		s.Published[k] = v
	}
	for k, v := range b.errors {
		s.Errors[k] = v
	}
	for k, v := range b.active {
		s.Active[k] = v
	}
	for _, sink := range b.sinks {
		s.Sinks = append(s.Sinks, sink.Name())
	}
	return s
}
