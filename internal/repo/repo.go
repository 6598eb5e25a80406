// Package repo defines the authoritative metadata repositories the cache is
// refreshed from, with PostgreSQL implementations for users and api keys and
// a MongoDB implementation for sensors.
package repo

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/model"
)

// UserRepository serves user accounts.
type UserRepository interface {
	GetAllUsers(ctx context.Context) ([]model.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// ApiKeyRepository serves sensor api keys.
type ApiKeyRepository interface {
	GetAllKeys(ctx context.Context) ([]model.ApiKey, error)
	GetKey(ctx context.Context, key string) (*model.ApiKey, error)
}

// SensorRepository serves sensor records.
type SensorRepository interface {
	GetAllSensors(ctx context.Context) ([]model.Sensor, error)
	GetSensorByID(ctx context.Context, id primitive.ObjectID) (*model.Sensor, error)
}
