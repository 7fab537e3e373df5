package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher is satisfied by the MQTT client.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTSink publishes each message as JSON on <prefix>/notify/<category>.
// Attachments are referenced by path; the broker never carries image bytes.
type MQTTSink struct {
	pub    Publisher
	prefix string
}

type mqttNotification struct {
	Category   Category  `json:"category"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text"`
	Attachment string    `json:"attachment,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

func NewMQTTSink(pub Publisher, prefix string) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: prefix}
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) Topic(c Category) string {
	return fmt.Sprintf("%s/notify/%s", m.prefix, c)
}

func (m *MQTTSink) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(mqttNotification{
		Category:   msg.Category,
		Title:      msg.Title,
		Text:       msg.Text,
		Attachment: msg.Attachment,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return m.pub.Publish(ctx, m.Topic(msg.Category), payload)
}
