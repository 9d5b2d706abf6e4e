package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"rainmon/internal/engine"
	"rainmon/internal/rain"
)

// MQTTPublisher publishes derived state changes to an MQTT broker so
// home-automation consumers can bind switches to them. Messages are
// retained so late subscribers see the current state immediately.
type MQTTPublisher struct {
	client      mqtt.Client
	topicPrefix string
	log         zerolog.Logger
}

func NewMQTTPublisher(brokerURL, clientID, topicPrefix string, log zerolog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", brokerURL, token.Error())
	}

	return &MQTTPublisher{
		client:      client,
		topicPrefix: topicPrefix,
		log:         log.With().Str("sink", "mqtt").Logger(),
	}, nil
}

type statePayload struct {
	Source    rain.SourceID     `json:"source"`
	State     rain.DerivedState `json:"state"`
	Timestamp time.Time         `json:"timestamp"`
}

// Observer returns an engine observer that publishes each state change.
// Publishing is fire-and-forget; a slow broker must not stall the poll
// cycle that triggered the notification.
func (p *MQTTPublisher) Observer() engine.Observer {
	return func(source rain.SourceID, state rain.DerivedState) {
		payload, err := json.Marshal(statePayload{
			Source:    source,
			State:     state,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			p.log.Error().Err(err).Str("source", string(source)).Msg("marshal state payload")
			return
		}

		topic := p.topicPrefix + "/" + string(source)
		p.client.Publish(topic, 0, true, payload)
	}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
