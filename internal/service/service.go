// Package service hosts the orchestrator of the authorization pipeline:
// round-robin shard assignment, the periodic bulk reload, the fan-out
// processing tick, and the targeted cache commands.
package service

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/cache"
	"sensornet/auth-gateway/internal/config"
	"sensornet/auth-gateway/internal/consumer"
	"sensornet/auth-gateway/internal/metrics"
	"sensornet/auth-gateway/internal/model"
	"sensornet/auth-gateway/internal/repo"
	"sensornet/auth-gateway/internal/validate"
)

const (
	cacheTTL      = 6 * time.Minute
	reloadTimeout = 5 * time.Minute
	cleanupBudget = 25 * time.Millisecond

	// Batches beyond this are dropped wholesale.
	maxBatch = math.MaxUint32
)

// Service fans inbound payloads out over per-shard consumers and drives one
// processing tick at a time.
type Service struct {
	mu  sync.RWMutex
	cfg config.Config
	log *slog.Logger

	commands *consumer.CommandConsumer
	users    repo.UserRepository
	keys     repo.ApiKeyRepository
	sensors  repo.SensorRepository

	cache        *cache.Cache
	measurements []*consumer.MeasurementConsumer
	messages     []*consumer.MessageConsumer

	measurementIdx atomic.Uint64
	messageIdx     atomic.Uint64
	pending        atomic.Uint64

	lastReload time.Time
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New allocates one measurement and one message consumer per worker, all
// wired to a shared cache, and warms the cache with a synchronous reload.
func New(
	ctx context.Context,
	client consumer.Publisher,
	commands *consumer.CommandConsumer,
	users repo.UserRepository,
	keys repo.ApiKeyRepository,
	sensors repo.SensorRepository,
	cfg config.Config,
	m *metrics.Metrics,
	log *slog.Logger,
) *Service {
	s := &Service{
		cfg:      cfg,
		log:      log,
		commands: commands,
		users:    users,
		keys:     keys,
		sensors:  sensors,
		cache:    cache.New(cacheTTL),
		metrics:  m,
		now:      time.Now,
	}

	internal := cfg.Mqtt.InternalBroker
	for i := 0; i < cfg.Workers; i++ {
		s.measurements = append(s.measurements, consumer.NewMeasurementConsumer(
			client, s.cache, internal.BulkMeasurementTopic, cfg.InternalBatchSize, log))
		s.messages = append(s.messages, consumer.NewMessageConsumer(
			client, s.cache, internal.BulkMessageTopic, log))
	}

	s.lastReload = s.now()
	s.LoadAll(ctx)

	return s
}

// AddMeasurement validates a raw measurement and enqueues it. Malformed
// payloads are dropped before they reach a shard or the pending count; only
// the parse-drop metric records them.
func (s *Service) AddMeasurement(raw string) {
	m, err := validate.Measurement(raw)
	if err != nil {
		s.metrics.Dropped.WithLabelValues("parse").Inc()
		return
	}

	s.PushMeasurement(consumer.Pair[model.Measurement]{Raw: raw, Model: m})
}

// PushMeasurement enqueues an already-validated pair on the next shard.
func (s *Service) PushMeasurement(p consumer.Pair[model.Measurement]) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.measurementIdx.Add(1) - 1) % uint64(len(s.measurements)))
	s.pending.Add(1)
	s.metrics.Ingested.WithLabelValues("measurement").Inc()

	s.measurements[idx].PushMeasurement(p)
}

// AddMeasurements validates a bulk of raw measurements and enqueues the
// survivors on a single shard.
func (s *Service) AddMeasurements(raw []string) {
	if uint64(len(raw)) > maxBatch {
		s.log.Warn("dropping oversize measurement batch", "size", len(raw))
		s.metrics.Dropped.WithLabelValues("oversize").Add(float64(len(raw)))
		return
	}

	pairs := make([]consumer.Pair[model.Measurement], 0, len(raw))
	for _, r := range raw {
		m, err := validate.Measurement(r)
		if err != nil {
			s.metrics.Dropped.WithLabelValues("parse").Inc()
			continue
		}
		pairs = append(pairs, consumer.Pair[model.Measurement]{Raw: r, Model: m})
	}

	if len(pairs) == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.measurementIdx.Add(1) - 1) % uint64(len(s.measurements)))
	s.pending.Add(uint64(len(pairs)))
	s.metrics.Ingested.WithLabelValues("measurement").Add(float64(len(pairs)))

	s.measurements[idx].PushMeasurements(pairs)
}

// AddMessage validates a raw message and enqueues it.
func (s *Service) AddMessage(raw string) {
	m, err := validate.Message(raw)
	if err != nil {
		s.metrics.Dropped.WithLabelValues("parse").Inc()
		return
	}

	s.PushMessage(consumer.Pair[model.Message]{Raw: raw, Model: m})
}

// PushMessage enqueues an already-validated pair on the next shard.
func (s *Service) PushMessage(p consumer.Pair[model.Message]) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.messageIdx.Add(1) - 1) % uint64(len(s.messages)))
	s.pending.Add(1)
	s.metrics.Ingested.WithLabelValues("message").Inc()

	s.messages[idx].PushMessage(p)
}

// AddMessages validates a bulk of raw messages and enqueues the survivors on
// a single shard.
func (s *Service) AddMessages(raw []string) {
	if uint64(len(raw)) > maxBatch {
		s.log.Warn("dropping oversize message batch", "size", len(raw))
		s.metrics.Dropped.WithLabelValues("oversize").Add(float64(len(raw)))
		return
	}

	pairs := make([]consumer.Pair[model.Message], 0, len(raw))
	for _, r := range raw {
		m, err := validate.Message(r)
		if err != nil {
			s.metrics.Dropped.WithLabelValues("parse").Inc()
			continue
		}
		pairs = append(pairs, consumer.Pair[model.Message]{Raw: r, Model: m})
	}

	if len(pairs) == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int((s.messageIdx.Add(1) - 1) % uint64(len(s.messages)))
	s.pending.Add(uint64(len(pairs)))
	s.metrics.Ingested.WithLabelValues("message").Add(float64(len(pairs)))

	s.messages[idx].PushMessages(pairs)
}

// Process runs one tick: reload the cache when due, fan the shards out over
// workers, sweep expired entries, and drain pending commands. It returns the
// elapsed processing time in milliseconds.
func (s *Service) Process(ctx context.Context) int64 {
	count := s.pending.Swap(0)

	now := s.now()
	if !now.Before(s.lastReload.Add(reloadTimeout)) {
		s.log.Info("reloading caches")
		s.lastReload = now
		s.LoadAll(ctx)
	}

	if count == 0 {
		s.cache.CleanupFor(cleanupBudget)
		s.commands.Execute(ctx)
		return 0
	}

	s.log.Debug("processing payloads", "count", count)
	start := time.Now()

	s.rawProcess()

	s.cache.CleanupFor(cleanupBudget)
	s.commands.Execute(ctx)

	elapsed := time.Since(start)
	s.metrics.TickDuration.Observe(elapsed.Seconds())

	return elapsed.Milliseconds()
}

// rawProcess runs every shard's consumers concurrently and sums their
// authorized counts.
func (s *Service) rawProcess() {
	s.mu.RLock()
	workers := len(s.measurements)
	s.mu.RUnlock()

	results := make([]int, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			s.mu.RLock()
			defer s.mu.RUnlock()

			results[i] = s.messages[i].Process() + s.measurements[i].Process()
		}(i)
	}
	wg.Wait()

	authorized := 0
	for _, n := range results {
		authorized += n
	}

	if authorized > 0 {
		s.metrics.Authorized.Add(float64(authorized))
		s.log.Info("authorized payloads", "count", authorized)
	}
}

// LoadAll refreshes the cache from all three repositories. The fetches run
// concurrently; nothing becomes visible until every fetch has finished. A
// failed fetch is logged and leaves the existing entries alone.
func (s *Service) LoadAll(ctx context.Context) {
	var (
		wg      sync.WaitGroup
		users   []model.User
		keys    []model.ApiKey
		sensors []model.Sensor
		userErr error
		keyErr  error
		snsErr  error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		users, userErr = s.users.GetAllUsers(ctx)
	}()
	go func() {
		defer wg.Done()
		keys, keyErr = s.keys.GetAllKeys(ctx)
	}()
	go func() {
		defer wg.Done()
		sensors, snsErr = s.sensors.GetAllSensors(ctx)
	}()
	wg.Wait()

	if userErr != nil {
		s.log.Error("user reload failed", "error", userErr)
	} else {
		s.cache.AppendUsers(users)
	}

	if keyErr != nil {
		s.log.Error("api key reload failed", "error", keyErr)
	} else {
		s.cache.AppendKeys(keys)
	}

	if snsErr != nil {
		s.log.Error("sensor reload failed", "error", snsErr)
	} else {
		s.cache.AppendSensors(sensors)
	}

	s.metrics.CacheReloads.Inc()
}

// FlushUser implements consumer.CommandTarget.
func (s *Service) FlushUser(id uuid.UUID) {
	s.cache.FlushUser(id)
	s.metrics.CommandsServed.Inc()
}

// FlushSensor implements consumer.CommandTarget.
func (s *Service) FlushSensor(id primitive.ObjectID) {
	s.cache.FlushSensor(id)
	s.metrics.CommandsServed.Inc()
}

// FlushKey implements consumer.CommandTarget.
func (s *Service) FlushKey(key string) {
	s.cache.FlushKey(key)
	s.metrics.CommandsServed.Inc()
}

// AddUser fetches one user and upserts it. A repository failure is logged;
// the next bulk reload heals the gap.
func (s *Service) AddUser(ctx context.Context, id uuid.UUID) {
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		s.log.Error("user fetch failed", "user", id, "error", err)
		return
	}
	if user == nil {
		return
	}

	s.cache.AppendUsers([]model.User{*user})
	s.metrics.CommandsServed.Inc()
}

// AddSensor fetches one sensor and upserts it.
func (s *Service) AddSensor(ctx context.Context, id primitive.ObjectID) {
	sensor, err := s.sensors.GetSensorByID(ctx, id)
	if err != nil {
		s.log.Error("sensor fetch failed", "sensor", id.Hex(), "error", err)
		return
	}
	if sensor == nil {
		return
	}

	s.cache.AppendSensors([]model.Sensor{*sensor})
	s.metrics.CommandsServed.Inc()
}

// AddKey fetches one api key and upserts it.
func (s *Service) AddKey(ctx context.Context, key string) {
	k, err := s.keys.GetKey(ctx, key)
	if err != nil {
		s.log.Error("api key fetch failed", "error", err)
		return
	}
	if k == nil {
		return
	}

	s.cache.AppendKeys([]model.ApiKey{*k})
	s.metrics.CommandsServed.Inc()
}
