// Package eventbus fans lifecycle events out to in-process or redis stream
// subscribers. The file-based message bus stays the durable channel; events
// here are best-effort notifications.
package eventbus

import (
	"context"
	"crypto/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"

	"crewctl/internal/logging"
	"crewctl/internal/model"
	"crewctl/internal/policy"
)

const (
	BackendInProcess = "gochannel"
	BackendRedis     = "redisstream"
)

type Handler func(context.Context, model.Event) error

type Config struct {
	RedisURL      string
	ConsumerGroup string
	Debug         bool
}

func FromPolicy(cfg policy.Config) Config {
	return Config{RedisURL: cfg.Events.RedisURL, ConsumerGroup: cfg.Events.ConsumerGroup}
}

type topicStats struct {
	subscribed bool
	delivered  atomic.Int64
	failed     atomic.Int64
	lastError  atomic.Value
}

type Runtime struct {
	cfg    Config
	logger watermill.LoggerAdapter

	mu         sync.RWMutex
	running    bool
	publisher  message.Publisher
	subscriber message.Subscriber
	shared     bool
	redis      *redis.Client
	handlers   map[string]Handler
	stats      map[string]*topicStats
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewRuntime(cfg Config) *Runtime {
	var logger watermill.LoggerAdapter = watermill.NopLogger{}
	if cfg.Debug {
		logger = watermill.NewStdLogger(true, false)
	}
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		stats:    make(map[string]*topicStats),
	}
}

func (r *Runtime) Backend() string {
	if strings.TrimSpace(r.cfg.RedisURL) != "" {
		return BackendRedis
	}
	return BackendInProcess
}

// Start builds the publisher and subscriber and subscribes every handler
// registered so far.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if err := r.connect(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.runCtx = runCtx
	r.cancel = cancel
	r.running = true
	for topic, handler := range r.handlers {
		if err := r.subscribeLocked(runCtx, topic, handler); err != nil {
			r.stopLocked()
			return err
		}
	}
	logging.Info(ctx, "event bus started", "backend", r.Backend(), "topics", len(r.handlers))
	return nil
}

func (r *Runtime) connect() error {
	if r.Backend() == BackendInProcess {
		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, r.logger)
		r.publisher = pubSub
		r.subscriber = pubSub
		r.shared = true
		return nil
	}
	opts, err := redis.ParseURL(r.cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "parse events redis url")
	}
	client := redis.NewClient(opts)
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, r.logger)
	if err != nil {
		_ = client.Close()
		return errors.Wrap(err, "create redis stream publisher")
	}
	group := strings.TrimSpace(r.cfg.ConsumerGroup)
	if group == "" {
		group = "crewctl"
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		ConsumerGroup: group,
	}, r.logger)
	if err != nil {
		_ = publisher.Close()
		_ = client.Close()
		return errors.Wrap(err, "create redis stream subscriber")
	}
	r.redis = client
	r.publisher = publisher
	r.subscriber = subscriber
	r.shared = false
	return nil
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runtime) stopLocked() {
	if !r.running {
		return
	}
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	if r.subscriber != nil {
		_ = r.subscriber.Close()
	}
	if r.publisher != nil && !r.shared {
		_ = r.publisher.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	r.publisher, r.subscriber, r.redis = nil, nil, nil
	r.shared = false
}

func (r *Runtime) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return errors.New("event bus runtime not started")
	}
	if r.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "events redis ping")
		}
	}
	return nil
}

func (r *Runtime) RegisterHandler(topic string, handler Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("event bus topic is required")
	}
	if handler == nil {
		return errors.New("event bus handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[topic]; exists {
		return errors.Errorf("event bus handler already registered for %s", topic)
	}
	r.handlers[topic] = handler
	if r.running {
		return r.subscribeLocked(r.runCtx, topic, handler)
	}
	return nil
}

func (r *Runtime) subscribeLocked(ctx context.Context, topic string, handler Handler) error {
	messages, err := r.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	stats := r.statsLocked(topic)
	stats.subscribed = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range messages {
			r.dispatch(ctx, topic, handler, stats, msg)
		}
	}()
	return nil
}

func (r *Runtime) dispatch(ctx context.Context, topic string, handler Handler, stats *topicStats, msg *message.Message) {
	var event model.Event
	if err := msgpack.Unmarshal(msg.Payload, &event); err != nil {
		stats.failed.Add(1)
		stats.lastError.Store(err.Error())
		logging.Error(ctx, err, "event decode failed", "topic", topic, "message_id", msg.UUID)
		msg.Ack()
		return
	}
	if err := handler(ctx, event); err != nil {
		stats.failed.Add(1)
		stats.lastError.Store(err.Error())
		logging.Warn(ctx, "event handler failed", "topic", topic, "event_id", event.EventID, "error", err.Error())
		msg.Ack()
		return
	}
	stats.delivered.Add(1)
	msg.Ack()
}

// Publish encodes event with msgpack and returns its id. A missing id or
// timestamp is filled in.
func (r *Runtime) Publish(topic string, key string, event model.Event) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", errors.New("event bus publish topic is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = newEventID(event.OccurredAt)
	}
	event.Topic = topic
	event.Key = strings.TrimSpace(key)
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return "", errors.Wrap(err, "marshal event payload")
	}

	r.mu.RLock()
	publisher := r.publisher
	running := r.running
	r.mu.RUnlock()
	if !running || publisher == nil {
		return "", errors.New("event bus runtime not started")
	}
	msg := message.NewMessage(event.EventID, payload)
	msg.Metadata.Set("key", event.Key)
	if err := publisher.Publish(topic, msg); err != nil {
		return "", errors.Wrapf(err, "publish %s", topic)
	}
	return event.EventID, nil
}

// Emit publishes without failing the caller. A nil or stopped runtime drops
// the event.
func (r *Runtime) Emit(ctx context.Context, event model.Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return
	}
	key := event.Key
	if key == "" && event.PID > 0 {
		key = string(event.Role)
	}
	if _, err := r.Publish(event.Topic, key, event); err != nil {
		logging.Warn(ctx, "event publish failed", "topic", event.Topic, "error", err.Error())
	}
}

func (r *Runtime) Debug() model.EventBusDebug {
	debug := model.EventBusDebug{Backend: r.Backend(), RedisURL: r.cfg.RedisURL, Topics: []model.EventBusTopicDebug{}}
	if err := r.Healthy(); err != nil {
		debug.HealthError = err.Error()
	} else {
		debug.Healthy = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	debug.Running = r.running
	topics := map[string]bool{}
	for _, topic := range model.EventTopics() {
		topics[topic] = true
	}
	for topic := range r.handlers {
		topics[topic] = true
	}
	names := make([]string, 0, len(topics))
	for topic := range topics {
		names = append(names, topic)
	}
	sort.Strings(names)
	for _, topic := range names {
		row := model.EventBusTopicDebug{Topic: topic}
		_, row.HandlerRegistered = r.handlers[topic]
		if stats, ok := r.stats[topic]; ok {
			row.Subscribed = stats.subscribed
			row.Delivered = stats.delivered.Load()
			row.Failed = stats.failed.Load()
			if last, ok := stats.lastError.Load().(string); ok {
				row.LastError = last
			}
		}
		debug.Topics = append(debug.Topics, row)
	}
	return debug
}

func (r *Runtime) statsLocked(topic string) *topicStats {
	stats, ok := r.stats[topic]
	if !ok {
		stats = &topicStats{}
		r.stats[topic] = stats
	}
	return stats
}

func newEventID(at time.Time) string {
	return "evt-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(at), rand.Reader).String())
}

// Emitter is the publishing side consumed by the core services.
type Emitter interface {
	Emit(ctx context.Context, event model.Event)
}

var _ Emitter = (*Runtime)(nil)
