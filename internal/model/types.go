package model

import (
	"bytes"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Sensor is the authoritative record for a single device channel. Secret is
// the shared key devices use to sign their payloads.
type Sensor struct {
	ID     primitive.ObjectID `bson:"_id" json:"id"`
	Owner  uuid.UUID          `bson:"owner" json:"owner"`
	Secret string             `bson:"secret" json:"secret"`
}

// User owns sensors. Either flag disqualifies all of the user's sensors.
type User struct {
	ID             uuid.UUID `json:"id"`
	Banned         bool      `json:"banned"`
	BillingLockout bool      `json:"billing_lockout"`
}

// ApiKey identifies the application a sensor publishes through.
type ApiKey struct {
	Key     string `json:"key"`
	Revoked bool   `json:"revoked"`
}

// DataPoint is a single reading inside a measurement. Accuracy and precision
// are optional on the wire.
type DataPoint struct {
	Value     float64  `json:"Value"`
	Unit      string   `json:"Unit"`
	Accuracy  *float64 `json:"Accuracy,omitempty"`
	Precision *float64 `json:"Precision,omitempty"`
}

// Measurement is a decoded device reading claiming to originate from a
// sensor. The claim is verified against the sensor's secret before the
// measurement leaves the gateway.
type Measurement struct {
	SensorID   primitive.ObjectID
	Secret     string
	Latitude   float64
	Longitude  float64
	CreatedAt  string
	DataPoints []DataPoint
}

// Message is an opaque device message with the same authorization envelope
// as a measurement.
type Message struct {
	SensorID primitive.ObjectID
	Secret   string
	Data     string
}

// ObjectID implements Payload.
func (m Measurement) ObjectID() primitive.ObjectID { return m.SensorID }

// SecretField implements Payload.
func (m Measurement) SecretField() string { return m.Secret }

// ObjectID implements Payload.
func (m Message) ObjectID() primitive.ObjectID { return m.SensorID }

// SecretField implements Payload.
func (m Message) SecretField() string { return m.Secret }

// Payload is the authorization envelope shared by measurements and messages.
type Payload interface {
	ObjectID() primitive.ObjectID
	SecretField() string
}

// CompareObjectID orders sensor ids by lexicographic byte comparison, which
// matches ordering by canonical hex form.
func CompareObjectID(a, b primitive.ObjectID) int {
	return bytes.Compare(a[:], b[:])
}
