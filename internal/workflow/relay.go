package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Relay carries events between engine processes.
type Relay interface {
	Publish(ctx context.Context, evt Event) error
	Start(ctx context.Context, deliver func(Event)) error
	Close() error
}

const (
	originHeader     = "capclaw-origin"
	readRetryInitial = 500 * time.Millisecond
	readRetryMax     = 30 * time.Second
)

// InstanceGroupID derives a consumer group unique to this host and state
// directory. Every process must read every event, so replicas never share a
// group; a restarted process keeps its group and resumes from its offset.
func InstanceGroupID(base, stateDir string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	if abs, err := filepath.Abs(stateDir); err == nil {
		stateDir = abs
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(stateDir))
	return fmt.Sprintf("%s-%s-%08x", base, host, h.Sum32())
}

// KafkaRelay publishes events to a topic and delivers every event published
// by other processes back into the engine. Each relay reads with its own
// consumer group.
type KafkaRelay struct {
	brokers []string
	topic   string
	groupID string
	writer  *kafka.Writer
	reader  *kafka.Reader
}

// NewKafkaRelay creates a relay for a comma-separated broker list. groupID
// identifies this process; see InstanceGroupID.
func NewKafkaRelay(brokers, topic, groupID string) *KafkaRelay {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return &KafkaRelay{
		brokers: list,
		topic:   topic,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(list...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish writes evt keyed by its correlation.
func (k *KafkaRelay) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:     []byte(evt.Correlation),
		Value:   value,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: originHeader, Value: []byte(k.groupID)}},
	})
}

// Start begins consuming the topic until ctx is done. Events this relay
// published itself are skipped since the engine already delivered them.
func (k *KafkaRelay) Start(ctx context.Context, deliver func(Event)) error {
	if len(k.brokers) == 0 {
		return errors.New("kafka relay: no brokers configured")
	}
	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     k.groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	go func(r *kafka.Reader) {
		backoff := readRetryInitial
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("KafkaRelay: read error", "topic", k.topic, "error", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, readRetryMax)
				continue
			}
			backoff = readRetryInitial
			if k.fromSelf(msg) {
				continue
			}
			evt, ok := decodeEvent(msg.Value)
			if !ok {
				slog.Warn("KafkaRelay: dropping malformed event", "topic", k.topic, "offset", msg.Offset)
				continue
			}
			deliver(evt)
		}
	}(k.reader)
	slog.Info("Kafka event relay started", "topic", k.topic, "group", k.groupID)
	return nil
}

func (k *KafkaRelay) fromSelf(msg kafka.Message) bool {
	for _, h := range msg.Headers {
		if h.Key == originHeader {
			return string(h.Value) == k.groupID
		}
	}
	return false
}

func decodeEvent(value []byte) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(value, &evt); err != nil || evt.Name == "" {
		return Event{}, false
	}
	return evt, true
}

// Close stops the reader and flushes the writer.
func (k *KafkaRelay) Close() error {
	var errs []error
	if k.reader != nil {
		errs = append(errs, k.reader.Close())
	}
	errs = append(errs, k.writer.Close())
	return errors.Join(errs...)
}
