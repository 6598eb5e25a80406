// Package encoding serializes authorized payload batches for the internal
// broker: protobuf-framed measurement containers and concatenated raw
// messages.
package encoding

import (
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"sensornet/auth-gateway/internal/model"
)

// Wire layout of the MeasurementData container consumed downstream:
//
//	MeasurementData { repeated Measurement measurements = 1; }
//	Measurement {
//	    repeated DataPoint datapoints = 1;
//	    double latitude  = 2;
//	    double longitude = 3;
//	    string timestamp = 4;
//	    string platformtime = 5;
//	}
//	DataPoint {
//	    double value = 1;
//	    string unit = 2;
//	    double accuracy = 3;
//	    double precision = 4;
//	}
const (
	fieldMeasurements = 1

	fieldDataPoints   = 1
	fieldLatitude     = 2
	fieldLongitude    = 3
	fieldTimestamp    = 4
	fieldPlatformTime = 5

	fieldValue     = 1
	fieldUnit      = 2
	fieldAccuracy  = 3
	fieldPrecision = 4
)

// MessageSeparator joins raw message payloads in a bulk publish.
const MessageSeparator = "\n"

// Measurements encodes a batch of authorized measurements as a single
// MeasurementData container. The platform timestamp is stamped once per
// batch; measurements without a device timestamp inherit it.
func Measurements(batch []model.Measurement, now time.Time) []byte {
	platformTime := now.UTC().Format(time.RFC3339)

	var buf []byte
	for i := range batch {
		encoded := measurement(&batch[i], platformTime)
		buf = protowire.AppendTag(buf, fieldMeasurements, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}

	return buf
}

func measurement(m *model.Measurement, platformTime string) []byte {
	var buf []byte

	for i := range m.DataPoints {
		encoded := datapoint(&m.DataPoints[i])
		buf = protowire.AppendTag(buf, fieldDataPoints, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}

	buf = protowire.AppendTag(buf, fieldLatitude, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(m.Latitude))
	buf = protowire.AppendTag(buf, fieldLongitude, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(m.Longitude))

	timestamp := m.CreatedAt
	if timestamp == "" {
		timestamp = platformTime
	}

	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.BytesType)
	buf = protowire.AppendString(buf, timestamp)
	buf = protowire.AppendTag(buf, fieldPlatformTime, protowire.BytesType)
	buf = protowire.AppendString(buf, platformTime)

	return buf
}

func datapoint(dp *model.DataPoint) []byte {
	var buf []byte

	buf = protowire.AppendTag(buf, fieldValue, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(dp.Value))
	buf = protowire.AppendTag(buf, fieldUnit, protowire.BytesType)
	buf = protowire.AppendString(buf, dp.Unit)

	if dp.Accuracy != nil {
		buf = protowire.AppendTag(buf, fieldAccuracy, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(*dp.Accuracy))
	}

	if dp.Precision != nil {
		buf = protowire.AppendTag(buf, fieldPrecision, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(*dp.Precision))
	}

	return buf
}

// Messages concatenates raw authorized message payloads for a bulk publish.
func Messages(raw []string) []byte {
	return []byte(strings.Join(raw, MessageSeparator))
}

// Chunk splits a batch into sub-batches of at most size elements. A size of
// zero or less leaves the batch whole.
func Chunk[T any](batch []T, size int) [][]T {
	if size <= 0 || len(batch) <= size {
		return [][]T{batch}
	}

	chunks := make([][]T, 0, (len(batch)+size-1)/size)
	for len(batch) > size {
		chunks = append(chunks, batch[:size])
		batch = batch[size:]
	}

	return append(chunks, batch)
}
