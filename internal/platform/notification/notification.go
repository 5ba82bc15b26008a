// Package notification delivers governance events to downstream consumers
// (reminder senders, worklist refreshers, live streams) through one or more
// publishers such as Redis pub/sub or a signed webhook. Delivery is
// fire-and-forget: a failed publish is logged and counted, never returned
// to the operation that raised the event.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventType names a governance event.
type EventType string

const (
	EventStageRecorded        EventType = "stage.recorded"
	EventRecallScheduled      EventType = "recall.scheduled"
	EventBookingCreated       EventType = "booking.created"
	EventOverrideGranted      EventType = "override.granted"
	EventAppointmentCancelled EventType = "appointment.cancelled"
	EventAppointmentCompleted EventType = "appointment.completed"
	EventEpisodeClosed        EventType = "episode.closed"
	EventIntentsCreated       EventType = "intents.created"
)

// Event is one message on the notification channel.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	EpisodeID string            `json:"episode_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier accepts events without blocking the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Publisher is the transport under the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Template renders the human-readable part of an event. Placeholders use
// {{key}} and are filled from Event.Data.
type Template struct {
	Subject string
	Body    string
}

// TemplateEngine holds one template per event type.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventType]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[EventType]Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	e.templates[EventStageRecorded] = Template{
		Subject: "Stage {{stage_code}} recorded",
		Body:    "Episode {{episode_id}} moved to stage {{stage_code}} at {{at}}.",
	}
	e.templates[EventRecallScheduled] = Template{
		Subject: "Recall follow-ups scheduled",
		Body:    "Episode {{episode_id}} has {{count}} recall follow-up(s) starting {{first_due}}.",
	}
	e.templates[EventBookingCreated] = Template{
		Subject: "Appointment booked",
		Body:    "Slot {{slot_id}} ({{pool}}) starting {{slot_start}} was booked for episode {{episode_id}} via {{created_via}}.",
	}
	e.templates[EventOverrideGranted] = Template{
		Subject: "Governance override by {{actor_role}}",
		Body:    "{{actor}} overrode {{rule}} for episode {{episode_id}}: {{reason}}",
	}
	e.templates[EventAppointmentCancelled] = Template{
		Subject: "Appointment cancelled",
		Body:    "Appointment {{appointment_id}} was cancelled and slot {{slot_id}} released.",
	}
	e.templates[EventAppointmentCompleted] = Template{
		Subject: "Appointment completed",
		Body:    "Appointment {{appointment_id}} for step {{step_code}} was completed.",
	}
	e.templates[EventEpisodeClosed] = Template{
		Subject: "Episode closed",
		Body:    "Episode {{episode_id}} was closed.",
	}
	e.templates[EventIntentsCreated] = Template{
		Subject: "Slot intents created",
		Body:    "{{count}} slot intent(s) were created for episode {{episode_id}}.",
	}
}

// RegisterTemplate replaces the template for an event type.
func (e *TemplateEngine) RegisterTemplate(t EventType, tpl Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t] = tpl
}

// Render fills the template for evt.Type.
func (e *TemplateEngine) Render(evt Event) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[evt.Type]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template for %q not found", evt.Type)
	}

	subject, body = t.Subject, t.Body
	data := make(map[string]string, len(evt.Data)+1)
	for k, v := range evt.Data {
		data[k] = v
	}
	if evt.EpisodeID != "" {
		data["episode_id"] = evt.EpisodeID
	}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// RedisPublisher publishes to a Redis channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("notification: publish to %s: %w", channel, err)
	}
	return nil
}

// FanOut publishes to every publisher and joins their errors. One failing
// transport does not stop the others.
type FanOut []Publisher

func (f FanOut) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observer receives dispatch outcomes; *metrics.GovernanceMetrics satisfies it.
type Observer interface {
	ObserveNotification(event, status string)
}

// Dispatcher renders events and publishes them on a background goroutine.
type Dispatcher struct {
	publisher Publisher
	templates *TemplateEngine
	channel   string
	timeout   time.Duration
	logger    zerolog.Logger
	observer  Observer
	wg        sync.WaitGroup
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithTimeout(d time.Duration) DispatcherOption {
	return func(n *Dispatcher) { n.timeout = d }
}

func WithObserver(o Observer) DispatcherOption {
	return func(n *Dispatcher) { n.observer = o }
}

func NewDispatcher(pub Publisher, channel string, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		publisher: pub,
		templates: NewTemplateEngine(),
		channel:   channel,
		timeout:   5 * time.Second,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify stamps, renders and publishes evt asynchronously. The request
// context's cancellation does not abort delivery.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if subject, body, err := d.templates.Render(evt); err == nil {
		evt.Subject, evt.Body = subject, body
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		d.fail(evt, err)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.publisher.Publish(pubCtx, d.channel, payload); err != nil {
			d.fail(evt, err)
			return
		}
		d.observe(evt, "published")
	}()
}

func (d *Dispatcher) fail(evt Event, err error) {
	d.logger.Error().Err(err).
		Str("event_id", evt.ID).
		Str("event_type", string(evt.Type)).
		Str("episode_id", evt.EpisodeID).
		Msg("notification dispatch failed")
	d.observe(evt, "failed")
}

func (d *Dispatcher) observe(evt Event, status string) {
	if d.observer != nil {
		d.observer.ObserveNotification(string(evt.Type), status)
	}
}

// Wait blocks until in-flight publishes finish. Call on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Recorder keeps events in memory. Useful in tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
