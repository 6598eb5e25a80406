package consumer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/auth"
	"sensornet/auth-gateway/internal/cache"
	"sensornet/auth-gateway/internal/model"
)

type capturedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
	err       error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	p.published = append(p.published, capturedPublish{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func liveSensor(c *cache.Cache, secret string) model.Sensor {
	owner := uuid.New()
	sensor := model.Sensor{ID: primitive.NewObjectID(), Owner: owner, Secret: secret}

	c.AppendSensors([]model.Sensor{sensor})
	c.AppendUsers([]model.User{{ID: owner}})
	c.AppendKeys([]model.ApiKey{{Key: secret}})

	return sensor
}

func messagePair(sensor model.Sensor, secret string) Pair[model.Message] {
	raw := `{"CreatedById":"` + sensor.ID.Hex() + `","CreatedBySecret":"` + secret + `","Data":"hi"}`

	return Pair[model.Message]{
		Raw:   raw,
		Model: model.Message{SensorID: sensor.ID, Secret: secret, Data: "hi"},
	}
}

func measurementPair(sensor model.Sensor, secret string) Pair[model.Measurement] {
	raw := `{"CreatedById":"` + sensor.ID.Hex() + `","CreatedBySecret":"` + secret + `","Latitude":0,"Longitude":0,"Data":{"T":{"Value":1,"Unit":"C"}}}`

	return Pair[model.Measurement]{
		Raw: raw,
		Model: model.Measurement{
			SensorID:   sensor.ID,
			Secret:     secret,
			DataPoints: []model.DataPoint{{Value: 1, Unit: "C"}},
		},
	}
}

func TestMessageConsumerAuthorizes(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")

	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(messagePair(sensor, "k1"))
	mc.PushMessage(messagePair(sensor, "k1"))

	assert.Equal(t, 2, mc.Process())
	require.Equal(t, 1, pub.count())
	assert.Equal(t, "internal/messages", pub.published[0].topic)
	assert.Contains(t, string(pub.published[0].payload), sensor.ID.Hex())
}

func TestMessageConsumerEmptyShard(t *testing.T) {
	c := cache.New(time.Minute)
	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	assert.Zero(t, mc.Process())
	assert.Zero(t, pub.count())
}

func TestMessageConsumerDropsUnknownSensor(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := model.Sensor{ID: primitive.NewObjectID(), Owner: uuid.New(), Secret: "k1"}

	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(messagePair(sensor, "k1"))

	assert.Zero(t, mc.Process())
	assert.Zero(t, pub.count())
}

func TestMessageConsumerDropsBannedOwner(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")
	c.AppendUsers([]model.User{{ID: sensor.Owner, Banned: true}})

	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(messagePair(sensor, "k1"))

	assert.Zero(t, mc.Process())
	assert.Zero(t, pub.count())
}

func TestMessageConsumerDropsWrongSecret(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")

	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(messagePair(sensor, "wrong"))

	assert.Zero(t, mc.Process())
	assert.Zero(t, pub.count())
}

func TestMessageConsumerSha256Mode(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "shhh")

	canonical := `{"CreatedById":"` + sensor.ID.Hex() + `","CreatedBySecret":"shhh","Data":"hi"}`
	sum := sha256.Sum256([]byte(canonical))
	sealed := auth.Seal(hex.EncodeToString(sum[:]))
	signed := strings.Replace(canonical, `"shhh"`, `"`+sealed+`"`, 1)

	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(Pair[model.Message]{
		Raw:   signed,
		Model: model.Message{SensorID: sensor.ID, Secret: sealed, Data: "hi"},
	})

	assert.Equal(t, 1, mc.Process())
	require.Equal(t, 1, pub.count())
	// The raw payload is forwarded as received, sentinel intact.
	assert.Equal(t, signed, string(pub.published[0].payload))
}

func TestMessageConsumerPublishFailure(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")

	pub := &fakePublisher{err: errors.New("broker down")}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(messagePair(sensor, "k1"))

	assert.Zero(t, mc.Process())
}

func TestMeasurementConsumerAuthorizes(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")

	pub := &fakePublisher{}
	mc := NewMeasurementConsumer(pub, c, "internal/measurements", 100, testLogger())

	mc.PushMeasurements([]Pair[model.Measurement]{
		measurementPair(sensor, "k1"),
		measurementPair(sensor, "k1"),
		measurementPair(sensor, "k1"),
	})

	assert.Equal(t, 3, mc.Process())
	require.Equal(t, 1, pub.count())
	assert.Equal(t, "internal/measurements", pub.published[0].topic)
	assert.NotEmpty(t, pub.published[0].payload)
}

func TestMeasurementConsumerChunksBatches(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")

	pub := &fakePublisher{}
	mc := NewMeasurementConsumer(pub, c, "internal/measurements", 2, testLogger())

	var pairs []Pair[model.Measurement]
	for i := 0; i < 5; i++ {
		pairs = append(pairs, measurementPair(sensor, "k1"))
	}
	mc.PushMeasurements(pairs)

	assert.Equal(t, 5, mc.Process())
	assert.Equal(t, 3, pub.count())
}

func TestMeasurementConsumerMixedBatchSortsPerSensor(t *testing.T) {
	c := cache.New(time.Minute)
	good := liveSensor(c, "k1")
	bad := model.Sensor{ID: primitive.NewObjectID(), Owner: uuid.New(), Secret: "k2"}

	pub := &fakePublisher{}
	mc := NewMeasurementConsumer(pub, c, "internal/measurements", 100, testLogger())

	mc.PushMeasurement(measurementPair(bad, "k2"))
	mc.PushMeasurement(measurementPair(good, "k1"))
	mc.PushMeasurement(measurementPair(bad, "k2"))
	mc.PushMeasurement(measurementPair(good, "k1"))

	assert.Equal(t, 2, mc.Process())
	assert.Equal(t, 1, pub.count())
}

func TestProcessDrainsBuffer(t *testing.T) {
	c := cache.New(time.Minute)
	sensor := liveSensor(c, "k1")

	pub := &fakePublisher{}
	mc := NewMessageConsumer(pub, c, "internal/messages", testLogger())

	mc.PushMessage(messagePair(sensor, "k1"))
	assert.Equal(t, 1, mc.Process())

	// Second pass sees an empty shard.
	assert.Zero(t, mc.Process())
	assert.Equal(t, 1, pub.count())
}
