package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/datastelsel/datapi/core/logger"
)

// Kafka is a Bus on a Kafka topic. All instances of a service share one
// topic; each instance subscribes with its own group id so every
// instance sees every event.
type Kafka struct {
	brokers []string
	topic   string
	groupID string
	writer  *kafka.Writer
}

// NewKafka returns a Kafka bus
func NewKafka(brokers []string, topic, groupID string) *Kafka {
	return &Kafka{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish implements Bus
func (k *Kafka) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Kind),
		Value: body,
	})
}

// Subscribe implements Bus. The reader stops when the context is
// cancelled.
func (k *Kafka) Subscribe(ctx context.Context, handle func(Event)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		GroupID: k.groupID,
		Topic:   k.topic,
		MaxWait: time.Second,
	})
	go func() {
		defer reader.Close()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Default().Errorln("notify: stop reading events:", err)
				}
				return
			}
			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				logger.Default().Warnln("notify: skip malformed event:", err)
				continue
			}
			handle(event)
		}
	}()
	return nil
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
