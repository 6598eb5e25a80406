// Package cache holds the hot copy of sensor, user, and api-key metadata the
// authorization pipeline consults on every payload.
package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/model"
)

type entry[T any] struct {
	value      T
	insertedAt time.Time
}

func (e entry[T]) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.insertedAt) >= ttl
}

// sweepPhase identifies which map the resumable cleanup cursor is walking.
type sweepPhase int

const (
	sweepSensors sweepPhase = iota
	sweepUsers
	sweepKeys
)

// sweepChunk bounds how many entries are examined per exclusive lock hold.
const sweepChunk = 256

// Cache maps sensors, users, and api keys to TTL-stamped entries. Lookups
// take a shared lock; mutation and the sweep take the exclusive lock.
type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration

	sensors map[primitive.ObjectID]entry[model.Sensor]
	users   map[uuid.UUID]entry[model.User]
	keys    map[string]entry[model.ApiKey]

	sweepAt      sweepPhase
	sweepPending []any
}

// New constructs an empty cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		sensors: make(map[primitive.ObjectID]entry[model.Sensor]),
		users:   make(map[uuid.UUID]entry[model.User]),
		keys:    make(map[string]entry[model.ApiKey]),
	}
}

// GetSensor resolves a sensor id to one of three outcomes:
//
//	(false, nil)  unknown or stale; the caller drops the payload this tick
//	(true, nil)   known and unauthorized; drop silently, no retry
//	(true, s)     live sensor; validate the payload against s
//
// A sensor is only returned live when its owning user and its api key are
// present, within TTL, and not banned, locked, or revoked.
func (c *Cache) GetSensor(id primitive.ObjectID, now time.Time) (bool, *model.Sensor) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	se, ok := c.sensors[id]
	if !ok || se.expired(now, c.ttl) {
		return false, nil
	}

	ue, ok := c.users[se.value.Owner]
	if !ok || ue.expired(now, c.ttl) {
		return false, nil
	}

	if ue.value.Banned || ue.value.BillingLockout {
		return true, nil
	}

	ke, ok := c.keys[se.value.Secret]
	if !ok || ke.expired(now, c.ttl) {
		return false, nil
	}

	if ke.value.Revoked {
		return true, nil
	}

	sensor := se.value
	return true, &sensor
}

// AppendSensors upserts sensors, resetting their TTL.
func (c *Cache) AppendSensors(sensors []model.Sensor) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range sensors {
		c.sensors[s.ID] = entry[model.Sensor]{value: s, insertedAt: now}
	}
}

// AppendUsers upserts users, resetting their TTL.
func (c *Cache) AppendUsers(users []model.User) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range users {
		c.users[u.ID] = entry[model.User]{value: u, insertedAt: now}
	}
}

// AppendKeys upserts api keys, resetting their TTL.
func (c *Cache) AppendKeys(keys []model.ApiKey) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		c.keys[k.Key] = entry[model.ApiKey]{value: k, insertedAt: now}
	}
}

// FlushSensor removes a sensor entry.
func (c *Cache) FlushSensor(id primitive.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sensors, id)
}

// FlushUser removes a user entry. Sensors owned by the user stay in the map
// but fail the dependency check on their next lookup.
func (c *Cache) FlushUser(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, id)
}

// FlushKey removes an api-key entry.
func (c *Cache) FlushKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
}

// Len reports the number of cached sensors, users, and keys.
func (c *Cache) Len() (sensors, users, keys int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sensors), len(c.users), len(c.keys)
}

// CleanupFor sweeps expired entries and returns the number removed. It
// returns when the budget runs out or when the cursor finishes the key map,
// the last of the three maps it walks, whichever comes first. The cursor
// persists between calls, so work left undone resumes on the next tick. The exclusive lock is held per chunk, not for the whole sweep.
func (c *Cache) CleanupFor(budget time.Duration) int {
	deadline := time.Now().Add(budget)
	removed := 0

	for {
		now := time.Now()
		if !now.Before(deadline) {
			return removed
		}

		c.mu.Lock()
		if len(c.sweepPending) == 0 {
			c.reloadCursor()
		}

		n := len(c.sweepPending)
		if n > sweepChunk {
			n = sweepChunk
		}

		for _, key := range c.sweepPending[:n] {
			switch k := key.(type) {
			case primitive.ObjectID:
				if e, ok := c.sensors[k]; ok && e.expired(now, c.ttl) {
					delete(c.sensors, k)
					removed++
				}
			case uuid.UUID:
				if e, ok := c.users[k]; ok && e.expired(now, c.ttl) {
					delete(c.users, k)
					removed++
				}
			case string:
				if e, ok := c.keys[k]; ok && e.expired(now, c.ttl) {
					delete(c.keys, k)
					removed++
				}
			}
		}
		c.sweepPending = c.sweepPending[n:]
		done := len(c.sweepPending) == 0 && c.sweepAt == sweepSensors
		c.mu.Unlock()

		if done {
			return removed
		}
	}
}

// reloadCursor snapshots the keys of the map the cursor points at and
// advances the phase. Caller holds the exclusive lock.
func (c *Cache) reloadCursor() {
	switch c.sweepAt {
	case sweepSensors:
		c.sweepPending = make([]any, 0, len(c.sensors))
		for id := range c.sensors {
			c.sweepPending = append(c.sweepPending, id)
		}
		c.sweepAt = sweepUsers
	case sweepUsers:
		c.sweepPending = make([]any, 0, len(c.users))
		for id := range c.users {
			c.sweepPending = append(c.sweepPending, id)
		}
		c.sweepAt = sweepKeys
	case sweepKeys:
		c.sweepPending = make([]any, 0, len(c.keys))
		for k := range c.keys {
			c.sweepPending = append(c.sweepPending, k)
		}
		c.sweepAt = sweepSensors
	}
}
