package mqtt

import (
	"log/slog"
	"strings"

	"sensornet/auth-gateway/internal/consumer"
	"sensornet/auth-gateway/internal/config"
	"sensornet/auth-gateway/internal/encoding"
)

// Ingress is the surface inbound subscriptions feed. The message service
// implements it.
type Ingress interface {
	AddMeasurement(raw string)
	AddMeasurements(raw []string)
	AddMessage(raw string)
	AddMessages(raw []string)
}

// BindIngress subscribes the public-broker topics and wires them into the
// service and the command consumer.
func BindIngress(client *Client, broker config.Broker, svc Ingress, commands *consumer.CommandConsumer, log *slog.Logger) error {
	subs := []struct {
		topic   string
		handler func(topic string, payload []byte)
	}{
		{broker.MeasurementTopic, func(_ string, payload []byte) {
			svc.AddMeasurement(string(payload))
		}},
		{broker.BulkMeasurementTopic, func(_ string, payload []byte) {
			svc.AddMeasurements(splitBulk(payload))
		}},
		{broker.MessageTopic, func(_ string, payload []byte) {
			svc.AddMessage(string(payload))
		}},
		{broker.BulkMessageTopic, func(_ string, payload []byte) {
			svc.AddMessages(splitBulk(payload))
		}},
		{broker.CommandTopic, func(topic string, payload []byte) {
			cmd, err := consumer.ParseCommand(payload)
			if err != nil {
				log.Warn("dropping control message", "topic", topic, "error", err)
				return
			}
			commands.Submit(cmd)
		}},
	}

	for _, sub := range subs {
		if sub.topic == "" {
			continue
		}
		if err := client.Subscribe(sub.topic, sub.handler); err != nil {
			return err
		}
	}

	return nil
}

func splitBulk(payload []byte) []string {
	parts := strings.Split(string(payload), encoding.MessageSeparator)

	raw := parts[:0]
	for _, p := range parts {
		if p != "" {
			raw = append(raw, p)
		}
	}

	return raw
}
