// Package consumer implements the per-shard ingress sinks of the
// authorization pipeline and the out-of-band command drain.
package consumer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/auth"
	"sensornet/auth-gateway/internal/cache"
	"sensornet/auth-gateway/internal/encoding"
	"sensornet/auth-gateway/internal/model"
)

// Publisher is the outbound broker surface consumers publish through.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Pair couples a raw payload with its decoded model. The raw form is kept
// because digest validation hashes the payload bytes as sent.
type Pair[T model.Payload] struct {
	Raw   string
	Model T
}

// buffer is one shard's ingress queue. The mutex is held only for pushes and
// the swap at the start of a processing pass.
type buffer[T model.Payload] struct {
	mu    sync.Mutex
	items []Pair[T]
}

func (b *buffer[T]) push(p Pair[T]) {
	b.mu.Lock()
	b.items = append(b.items, p)
	b.mu.Unlock()
}

func (b *buffer[T]) pushAll(ps []Pair[T]) {
	b.mu.Lock()
	b.items = append(b.items, ps...)
	b.mu.Unlock()
}

func (b *buffer[T]) swap() []Pair[T] {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

// authorize sorts a drained batch by sensor id and filters it down to the
// payloads whose sensor, owner, key, and secret all check out. Sorting lets
// adjacent entries reuse one cache lookup per sensor run.
func authorize[T model.Payload](c *cache.Cache, items []Pair[T], now time.Time) []Pair[T] {
	sort.Slice(items, func(i, j int) bool {
		return model.CompareObjectID(items[i].Model.ObjectID(), items[j].Model.ObjectID()) < 0
	})

	authorized := items[:0:0]

	var (
		haveLookup bool
		lastID     primitive.ObjectID
		found      bool
		sensor     *model.Sensor
	)

	for i := range items {
		id := items[i].Model.ObjectID()

		// One lookup per run of identical sensor ids, hits and misses alike.
		if !haveLookup || lastID != id {
			found, sensor = c.GetSensor(id, now)
			haveLookup = true
			lastID = id
		}

		if !found || sensor == nil {
			continue
		}

		if !auth.Authorize(sensor, items[i].Raw, items[i].Model.SecretField()) {
			continue
		}

		authorized = append(authorized, items[i])
	}

	return authorized
}

// MeasurementConsumer drains one shard of measurements, authorizes them, and
// publishes the survivors as protobuf containers on the bulk topic.
type MeasurementConsumer struct {
	buf       buffer[model.Measurement]
	cache     *cache.Cache
	client    Publisher
	topic     string
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// NewMeasurementConsumer builds a shard consumer publishing to topic.
func NewMeasurementConsumer(client Publisher, c *cache.Cache, topic string, batchSize int, log *slog.Logger) *MeasurementConsumer {
	return &MeasurementConsumer{
		cache:     c,
		client:    client,
		topic:     topic,
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// PushMeasurement appends one payload pair to the shard buffer.
func (c *MeasurementConsumer) PushMeasurement(p Pair[model.Measurement]) {
	c.buf.push(p)
}

// PushMeasurements appends a bulk of payload pairs to the shard buffer.
func (c *MeasurementConsumer) PushMeasurements(ps []Pair[model.Measurement]) {
	c.buf.pushAll(ps)
}

// Process drains the shard and publishes everything that authorizes. It
// returns the number of authorized measurements, or zero when the publish
// failed.
func (c *MeasurementConsumer) Process() int {
	data := c.buf.swap()
	if len(data) == 0 {
		return 0
	}

	now := c.now()
	authorized := authorize(c.cache, data, now)
	if len(authorized) == 0 {
		return 0
	}

	batch := make([]model.Measurement, len(authorized))
	for i := range authorized {
		batch[i] = authorized[i].Model
	}

	for _, chunk := range encoding.Chunk(batch, c.batchSize) {
		if err := c.client.Publish(c.topic, encoding.Measurements(chunk, now)); err != nil {
			c.log.Error("bulk measurement publish failed", "topic", c.topic, "error", err)
			return 0
		}
	}

	return len(authorized)
}

// MessageConsumer drains one shard of messages and republishes the raw
// payloads of the survivors, concatenated, on the bulk topic.
type MessageConsumer struct {
	buf    buffer[model.Message]
	cache  *cache.Cache
	client Publisher
	topic  string
	log    *slog.Logger
	now    func() time.Time
}

// NewMessageConsumer builds a shard consumer publishing to topic.
func NewMessageConsumer(client Publisher, c *cache.Cache, topic string, log *slog.Logger) *MessageConsumer {
	return &MessageConsumer{
		cache:  c,
		client: client,
		topic:  topic,
		log:    log,
		now:    time.Now,
	}
}

// PushMessage appends one payload pair to the shard buffer.
func (c *MessageConsumer) PushMessage(p Pair[model.Message]) {
	c.buf.push(p)
}

// PushMessages appends a bulk of payload pairs to the shard buffer.
func (c *MessageConsumer) PushMessages(ps []Pair[model.Message]) {
	c.buf.pushAll(ps)
}

// Process drains the shard and publishes everything that authorizes.
func (c *MessageConsumer) Process() int {
	data := c.buf.swap()
	if len(data) == 0 {
		return 0
	}

	authorized := authorize(c.cache, data, c.now())
	if len(authorized) == 0 {
		return 0
	}

	raw := make([]string, len(authorized))
	for i := range authorized {
		raw[i] = authorized[i].Raw
	}

	if err := c.client.Publish(c.topic, encoding.Messages(raw)); err != nil {
		c.log.Error("bulk message publish failed", "topic", c.topic, "error", err)
		return 0
	}

	return len(authorized)
}
