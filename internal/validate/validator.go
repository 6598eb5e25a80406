// Package validate decodes raw textual payloads into measurement and message
// models, rejecting anything malformed before it reaches a shard.
package validate

import (
	"encoding/json"
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sensornet/auth-gateway/internal/model"
)

var (
	ErrMalformed     = errors.New("validate: malformed payload")
	ErrMissingID     = errors.New("validate: missing or invalid sensor id")
	ErrMissingSecret = errors.New("validate: missing secret")
	ErrNoData        = errors.New("validate: no datapoints")
)

type rawDataPoint struct {
	Value     *float64 `json:"Value"`
	Unit      string   `json:"Unit"`
	Accuracy  *float64 `json:"Accuracy"`
	Precision *float64 `json:"Precision"`
}

type rawMeasurement struct {
	CreatedByID     string                  `json:"CreatedById"`
	CreatedBySecret string                  `json:"CreatedBySecret"`
	Longitude       *float64                `json:"Longitude"`
	Latitude        *float64                `json:"Latitude"`
	Data            map[string]rawDataPoint `json:"Data"`
	CreatedAt       string                  `json:"CreatedAt"`
}

type rawMessage struct {
	CreatedByID     string `json:"CreatedById"`
	CreatedBySecret string `json:"CreatedBySecret"`
	Data            string `json:"Data"`
}

// Measurement parses a raw measurement payload. Any schema violation,
// missing required field, or unparseable sensor id yields an error.
func Measurement(raw string) (model.Measurement, error) {
	var decoded rawMeasurement
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return model.Measurement{}, ErrMalformed
	}

	id, err := primitive.ObjectIDFromHex(decoded.CreatedByID)
	if err != nil {
		return model.Measurement{}, ErrMissingID
	}

	if decoded.CreatedBySecret == "" {
		return model.Measurement{}, ErrMissingSecret
	}

	if decoded.Latitude == nil || decoded.Longitude == nil {
		return model.Measurement{}, ErrMalformed
	}

	if len(decoded.Data) == 0 {
		return model.Measurement{}, ErrNoData
	}

	m := model.Measurement{
		SensorID:   id,
		Secret:     decoded.CreatedBySecret,
		Latitude:   *decoded.Latitude,
		Longitude:  *decoded.Longitude,
		CreatedAt:  decoded.CreatedAt,
		DataPoints: make([]model.DataPoint, 0, len(decoded.Data)),
	}

	for unit, dp := range decoded.Data {
		if dp.Value == nil {
			return model.Measurement{}, ErrMalformed
		}

		point := model.DataPoint{
			Value:     *dp.Value,
			Unit:      dp.Unit,
			Accuracy:  dp.Accuracy,
			Precision: dp.Precision,
		}
		if point.Unit == "" {
			point.Unit = unit
		}

		m.DataPoints = append(m.DataPoints, point)
	}

	return m, nil
}

// Message parses a raw message payload.
func Message(raw string) (model.Message, error) {
	var decoded rawMessage
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return model.Message{}, ErrMalformed
	}

	id, err := primitive.ObjectIDFromHex(decoded.CreatedByID)
	if err != nil {
		return model.Message{}, ErrMissingID
	}

	if decoded.CreatedBySecret == "" {
		return model.Message{}, ErrMissingSecret
	}

	return model.Message{
		SensorID: id,
		Secret:   decoded.CreatedBySecret,
		Data:     decoded.Data,
	}, nil
}
