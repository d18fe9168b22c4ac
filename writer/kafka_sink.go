package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "pricecore/config"
	"pricecore/internal/events"
	"pricecore/internal/metrics"
	"pricecore/logger"
	"pricecore/models"
)

const (
	eventTypePriceUpdate       = "price_update"
	eventTypeSignificantChange = "significant_change"
)

// Subscriber is the event surface the sink listens on.
type Subscriber interface {
	OnPriceUpdate(fn events.PriceHandler) func()
	OnSignificantChange(fn events.ChangeHandler) func()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards price events to a Kafka topic. Handlers enqueue and
// return; a full buffer drops the event.
type KafkaSink struct {
	writer    messageWriter
	topic     string
	buffer    chan kafka.Message
	batchSize int
	flush     time.Duration

	mu      sync.Mutex
	running bool
	unsubs  []func()

	log *logger.Log
}

func NewKafkaSink(cfg appconfig.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	sink := newKafkaSink(w, cfg.Topic, 4096)
	sink.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka sink initialized")
	return sink, nil
}

func newKafkaSink(w messageWriter, topic string, buffer int) *KafkaSink {
	return &KafkaSink{
		writer:    w,
		topic:     topic,
		buffer:    make(chan kafka.Message, buffer),
		batchSize: 100,
		flush:     200 * time.Millisecond,
		log:       logger.GetLogger(),
	}
}

// Subscribe attaches the sink to both event kinds.
func (k *KafkaSink) Subscribe(sub Subscriber) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unsubs = append(k.unsubs,
		sub.OnPriceUpdate(k.handlePriceUpdate),
		sub.OnSignificantChange(k.handleSignificantChange),
	)
}

func (k *KafkaSink) handlePriceUpdate(u models.PriceUpdate) {
	k.enqueue(u.Sample.Symbol, eventTypePriceUpdate, u)
}

func (k *KafkaSink) handleSignificantChange(c models.SignificantChange) {
	k.enqueue(c.Symbol, eventTypeSignificantChange, c)
}

func (k *KafkaSink) enqueue(symbol, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		k.log.WithComponent("kafka_sink").WithError(err).Warn("failed to marshal event")
		return
	}
	msg := kafka.Message{
		Key:     []byte(symbol),
		Value:   data,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
		Time:    time.Now().UTC(),
	}
	select {
	case k.buffer <- msg:
	default:
		metrics.EmitDropMetric(k.log, metrics.DropMetricSink, symbol)
	}
}

// Run writes buffered events in batches until ctx is cancelled, then flushes
// what is left and closes the writer.
func (k *KafkaSink) Run(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return fmt.Errorf("kafka sink already running")
	}
	k.running = true
	k.mu.Unlock()

	defer k.stop()

	ticker := time.NewTicker(k.flush)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, k.batchSize)
	for {
		select {
		case <-ctx.Done():
			batch = k.drain(batch)
			k.write(context.Background(), batch)
			return nil
		case msg := <-k.buffer:
			batch = append(batch, msg)
			if len(batch) >= k.batchSize {
				k.write(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				k.write(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (k *KafkaSink) drain(batch []kafka.Message) []kafka.Message {
	for {
		select {
		case msg := <-k.buffer:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

func (k *KafkaSink) write(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := k.writer.WriteMessages(wctx, batch...); err != nil {
		k.log.WithComponent("kafka_sink").WithError(err).WithFields(logger.Fields{
			"messages": len(batch),
		}).Warn("failed to write messages")
		return
	}
	logger.LogPerformanceEntry(k.log.WithComponent("kafka_sink"), "kafka_sink", "write_batch", time.Since(start), logger.Fields{
		"messages": len(batch),
		"topic":    k.topic,
	})
}

func (k *KafkaSink) stop() {
	k.mu.Lock()
	unsubs := k.unsubs
	k.unsubs = nil
	k.running = false
	k.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if err := k.writer.Close(); err != nil {
		k.log.WithComponent("kafka_sink").WithError(err).Warn("failed to close kafka writer")
	}
	k.log.WithComponent("kafka_sink").Info("kafka sink stopped")
}
