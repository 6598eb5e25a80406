package repo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"sensornet/auth-gateway/internal/model"
)

const sensorCollection = "sensors"

// MongoSensorRepository reads sensor records from MongoDB.
type MongoSensorRepository struct {
	col *mongo.Collection
}

// NewMongoSensorRepository wraps the sensors collection of db.
func NewMongoSensorRepository(db *mongo.Database) *MongoSensorRepository {
	return &MongoSensorRepository{col: db.Collection(sensorCollection)}
}

// GetAllSensors fetches every sensor record.
func (r *MongoSensorRepository) GetAllSensors(ctx context.Context) ([]model.Sensor, error) {
	cursor, err := r.col.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find sensors: %w", err)
	}
	defer cursor.Close(ctx)

	var sensors []model.Sensor
	if err := cursor.All(ctx, &sensors); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}

	return sensors, nil
}

// GetSensorByID fetches one sensor record; a missing document yields
// (nil, nil).
func (r *MongoSensorRepository) GetSensorByID(ctx context.Context, id primitive.ObjectID) (*model.Sensor, error) {
	var sensor model.Sensor

	err := r.col.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&sensor)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find sensor %s: %w", id.Hex(), err)
	}

	return &sensor, nil
}
