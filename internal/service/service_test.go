package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/config"
	"sensornet/auth-gateway/internal/consumer"
	"sensornet/auth-gateway/internal/metrics"
	"sensornet/auth-gateway/internal/model"
)

type capturedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, capturedPublish{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type fakeStore struct {
	mu          sync.Mutex
	users       []model.User
	keys        []model.ApiKey
	sensors     []model.Sensor
	userCalls   int
	keyCalls    int
	sensorCalls int
}

func (s *fakeStore) GetAllUsers(context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userCalls++
	return append([]model.User(nil), s.users...), nil
}

func (s *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetAllKeys(context.Context) ([]model.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCalls++
	return append([]model.ApiKey(nil), s.keys...), nil
}

func (s *fakeStore) GetKey(_ context.Context, key string) (*model.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Key == key {
			k := k
			return &k, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetAllSensors(context.Context) ([]model.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensorCalls++
	return append([]model.Sensor(nil), s.sensors...), nil
}

func (s *fakeStore) GetSensorByID(_ context.Context, id primitive.ObjectID) (*model.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range s.sensors {
		if sn.ID == id {
			sn := sn
			return &sn, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) addSensor(secret string) model.Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := uuid.New()
	sensor := model.Sensor{ID: primitive.NewObjectID(), Owner: owner, Secret: secret}

	s.sensors = append(s.sensors, sensor)
	s.users = append(s.users, model.User{ID: owner})
	s.keys = append(s.keys, model.ApiKey{Key: secret})

	return sensor
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() config.Config {
	return config.Config{
		InternalBatchSize: 10000,
		Interval:          100,
		Workers:           4,
		Mqtt: config.Mqtt{
			InternalBroker: config.Broker{
				BulkMeasurementTopic: "internal/measurements/bulk",
				BulkMessageTopic:     "internal/messages/bulk",
			},
		},
	}
}

func newTestService(t *testing.T, store *fakeStore) (*Service, *fakePublisher, *consumer.CommandConsumer, *metrics.Metrics) {
	t.Helper()

	pub := &fakePublisher{}
	m := metrics.New(prometheus.NewRegistry())
	cc := consumer.NewCommandConsumer(testLogger())

	svc := New(context.Background(), pub, cc, store, store, store, testConfig(), m, testLogger())
	cc.Bind(svc)

	return svc, pub, cc, m
}

func measurementJSON(id primitive.ObjectID, secret string) string {
	return `{"CreatedById":"` + id.Hex() + `","CreatedBySecret":"` + secret + `","Latitude":0,"Longitude":0,"CreatedAt":"","Data":{"T":{"Value":1,"Unit":"C"}}}`
}

func TestColdStartKnownSensor(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")

	svc, pub, _, m := newTestService(t, store)

	svc.AddMeasurement(measurementJSON(sensor.ID, "k1"))
	svc.Process(context.Background())

	require.Equal(t, 1, pub.count())
	assert.Equal(t, "internal/measurements/bulk", pub.published[0].topic)
	assert.NotEmpty(t, pub.published[0].payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Authorized))
}

func TestBannedUserDropsSilently(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")
	store.users[0].Banned = true

	svc, pub, _, m := newTestService(t, store)

	svc.AddMeasurement(measurementJSON(sensor.ID, "k1"))
	svc.Process(context.Background())

	assert.Zero(t, pub.count())
	assert.Zero(t, testutil.ToFloat64(m.Authorized))
}

func TestMalformedPayloadNotCounted(t *testing.T) {
	store := &fakeStore{}
	store.addSensor("k1")

	svc, pub, _, _ := newTestService(t, store)

	svc.AddMeasurement(`{"CreatedById":"broken"`)
	svc.Process(context.Background())

	assert.Zero(t, pub.count())
}

func TestShardBalancing(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")

	svc, pub, _, m := newTestService(t, store)

	for i := 0; i < 1000; i++ {
		svc.AddMeasurement(measurementJSON(sensor.ID, "k1"))
	}
	svc.Process(context.Background())

	// One bulk publish per shard; every payload authorized.
	assert.Equal(t, 4, pub.count())
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.Authorized))
}

func TestMessagesAndMeasurementsCountIndependently(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")

	svc, pub, _, m := newTestService(t, store)

	svc.AddMessage(`{"CreatedById":"` + sensor.ID.Hex() + `","CreatedBySecret":"k1","Data":"hi"}`)
	svc.AddMeasurement(measurementJSON(sensor.ID, "k1"))
	svc.Process(context.Background())

	assert.Equal(t, 2, pub.count())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Authorized))
}

func TestBulkIngestSingleShard(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")

	svc, pub, _, m := newTestService(t, store)

	raw := make([]string, 50)
	for i := range raw {
		raw[i] = measurementJSON(sensor.ID, "k1")
	}
	svc.AddMeasurements(raw)
	svc.Process(context.Background())

	// A bulk push lands on one shard wholesale.
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, 50.0, testutil.ToFloat64(m.Authorized))
}

func TestTargetedFlushSensor(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")

	svc, pub, cc, _ := newTestService(t, store)

	cc.Submit(consumer.Command{Cmd: consumer.CmdFlushSensor, Arg: sensor.ID.Hex()})
	svc.Process(context.Background())

	svc.AddMeasurement(measurementJSON(sensor.ID, "k1"))
	svc.Process(context.Background())

	assert.Zero(t, pub.count())
}

func TestAddSensorCommandRestoresAuthorization(t *testing.T) {
	store := &fakeStore{}
	sensor := store.addSensor("k1")

	svc, pub, cc, _ := newTestService(t, store)

	svc.FlushSensor(sensor.ID)

	cc.Submit(consumer.Command{Cmd: consumer.CmdAddSensor, Arg: sensor.ID.Hex()})
	svc.Process(context.Background())

	svc.AddMeasurement(measurementJSON(sensor.ID, "k1"))
	svc.Process(context.Background())

	assert.Equal(t, 1, pub.count())
}

func TestReloadTimerFiresAndNewDataVisible(t *testing.T) {
	store := &fakeStore{}
	store.addSensor("k1")

	svc, pub, _, _ := newTestService(t, store)
	require.Equal(t, 1, store.sensorCalls)

	// A sensor provisioned after startup is invisible until the reload.
	late := store.addSensor("k2")

	frozen := svc.lastReload.Add(reloadTimeout)
	svc.now = func() time.Time { return frozen }

	svc.Process(context.Background())

	assert.Equal(t, 2, store.sensorCalls)
	assert.Equal(t, 2, store.userCalls)
	assert.Equal(t, 2, store.keyCalls)
	assert.Equal(t, frozen, svc.lastReload)

	svc.AddMeasurement(measurementJSON(late.ID, "k2"))
	svc.Process(context.Background())

	assert.Equal(t, 1, pub.count())
}

func TestProcessWithoutWorkReturnsZero(t *testing.T) {
	store := &fakeStore{}
	svc, pub, _, _ := newTestService(t, store)

	assert.Zero(t, svc.Process(context.Background()))
	assert.Zero(t, pub.count())
}
