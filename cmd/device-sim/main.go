package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensornet/auth-gateway/internal/auth"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	topic := flag.String("topic", "sensors/measurements", "Topic to publish measurements on")
	sensorID := flag.String("sensor-id", "", "Sensor ObjectId in hex (24 characters)")
	secret := flag.String("secret", "", "Sensor secret used to sign payloads")
	mode := flag.String("mode", "sha256", "Signing mode: plain or sha256")
	unit := flag.String("unit", "C", "Unit reported in the datapoint")
	baseValue := flag.Float64("base-value", 21, "Baseline datapoint value")
	jitter := flag.Float64("jitter", 2, "Maximum random jitter applied to the value")
	latitude := flag.Float64("latitude", 51.45, "Reported latitude")
	longitude := flag.Float64("longitude", 5.47, "Reported longitude")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published measurements")

	flag.Parse()

	if *sensorID == "" || *secret == "" {
		log.Fatal("both -sensor-id and -secret are required")
	}
	if *mode != "plain" && *mode != "sha256" {
		log.Fatalf("unknown mode %q", *mode)
	}

	clientID := fmt.Sprintf("device-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		value := *baseValue + (rand.Float64()*2-1)*(*jitter)

		payload, err := buildPayload(*sensorID, *secret, *mode, *unit, value, *latitude, *longitude)
		if err != nil {
			log.Printf("failed to build payload: %v", err)
			return
		}

		token := client.Publish(*topic, 0, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s value=%.2f mode=%s", *topic, value, *mode)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// buildPayload renders the measurement with the true secret, then, in sha256
// mode, replaces the secret field with the sentinel-wrapped digest of the
// rendered bytes. The gateway inverts this substitution before hashing, so
// the two sides agree bit for bit.
func buildPayload(sensorID, secret, mode, unit string, value, latitude, longitude float64) ([]byte, error) {
	measurement := map[string]any{
		"CreatedById":     sensorID,
		"CreatedBySecret": secret,
		"Latitude":        latitude,
		"Longitude":       longitude,
		"CreatedAt":       time.Now().UTC().Format(time.RFC3339),
		"Data": map[string]any{
			unit: map[string]any{
				"Value": value,
				"Unit":  unit,
			},
		},
	}

	canonical, err := json.Marshal(measurement)
	if err != nil {
		return nil, err
	}

	if mode == "plain" {
		return canonical, nil
	}

	sum := sha256.Sum256(canonical)
	sealed := auth.Seal(hex.EncodeToString(sum[:]))

	signed := strings.Replace(string(canonical), `"`+secret+`"`, `"`+sealed+`"`, 1)
	return []byte(signed), nil
}
