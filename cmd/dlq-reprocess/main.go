package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	headerReplayedAt   = "x-replayed-at"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	// Фильтры: пустое значение пропускает всё.
	eventType string
	orderID   string
}

type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string

	eventType domain.EventType
	orderID   string
}

// matches проверяет фильтры -event-type и -order-id.
func (m replayMessage) matches(cfg config) bool {
	if cfg.eventType != "" && string(m.eventType) != cfg.eventType {
		return false
	}
	return cfg.orderID == "" || m.orderID == cfg.orderID
}

// outboxDLQPayload описывает конверт, который outbox worker кладёт в DLQ.
type outboxDLQPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "target topic for replay")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	fs.StringVar(&cfg.eventType, "event-type", "", "replay only events of this type (e.g. OrderCreated)")
	fs.StringVar(&cfg.orderID, "order-id", "", "replay only events of this order")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv("KAFKA_BROKERS")
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return config{}, fmt.Errorf("target-topic is required")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}
	cfg.eventType = strings.TrimSpace(cfg.eventType)
	cfg.orderID = strings.TrimSpace(cfg.orderID)
	if cfg.eventType != "" && !lo.Contains(domain.EventTypes, domain.EventType(cfg.eventType)) {
		return config{}, fmt.Errorf("unknown event-type %q", cfg.eventType)
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
		"event_type":   cfg.eventType,
		"order_id":     cfg.orderID,
	}).Info("starting dlq replay")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return runReplay(ctx, cfg, client, consumer, producer)
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total partitionStats
	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}

		stats, err := processPartition(ctx, consumer, client, producer, cfg, partition, cfg.limit-total.processed)
		if err != nil {
			return err
		}
		total.add(stats)
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}

	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
		"filtered":  total.filtered,
	}).Info("dlq replay finished")

	return nil
}

// partitionStats: processed = replayed + skipped + filtered.
type partitionStats struct {
	processed int
	replayed  int
	skipped   int
	filtered  int
}

func (s *partitionStats) add(other partitionStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
	s.filtered += other.filtered
}

// handle разбирает одно сообщение DLQ и, в режиме execute, переотправляет его.
func (s *partitionStats) handle(ctx context.Context, cfg config, producer replayProducer, msg *sarama.ConsumerMessage) error {
	s.processed++
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	replayMsg, ok, err := extractReplayMessage(msg, cfg.targetTopic)
	switch {
	case err != nil:
		s.skipped++
		log.WithError(err).WithFields(fields).Warn("skip unsupported dlq message")
		return nil
	case !ok:
		s.skipped++
		return nil
	case !replayMsg.matches(cfg):
		s.filtered++
		return nil
	}

	fields["target_topic"] = replayMsg.topic
	fields["key"] = replayMsg.key
	fields["event_type"] = replayMsg.eventType
	if !cfg.execute {
		log.WithFields(fields).Info("dlq replay candidate")
		s.replayed++
		return nil
	}
	if err := publishReplay(ctx, producer, replayMsg); err != nil {
		s.processed--
		return fmt.Errorf("publish replay message: %w", err)
	}
	log.WithFields(fields).Debug("dlq message replayed")
	s.replayed++
	return nil
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	cfg config,
	partition int32,
	limit int,
) (partitionStats, error) {
	var stats partitionStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = newest - int64(limit)
		if startOffset < oldest {
			startOffset = oldest
		}
	}

	partitionConsumer, err := consumer.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = partitionConsumer.Close() }()

	endOffset := newest
	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-partitionConsumer.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-partitionConsumer.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= endOffset {
				return stats, nil
			}

			if err := stats.handle(ctx, cfg, producer, msg); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= endOffset {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

func publishReplay(ctx context.Context, producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}
	return producer.Send(ctx, msg.topic, msg.key, msg.value, msg.headers)
}

// extractReplayMessage понимает два формата DLQ: конверт consumer (исходное сообщение
// после исчерпания попыток) и конверт outbox worker (событие, которое не удалось опубликовать).
// ok=false без ошибки означает, что сообщение не похоже ни на один из них.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (replayMessage, bool, error) {
	if dlq, err := kafka.ParseDLQMessage(msg.Value); err == nil {
		event, err := domain.DecodeEvent([]byte(dlq.OriginalValue))
		if err != nil {
			return replayMessage{}, false, fmt.Errorf("consumer dlq message: %w", err)
		}
		return replayMessage{
			topic:   firstNonEmpty(strings.TrimSpace(dlq.OriginalTopic), defaultTopic),
			key:     firstNonEmpty(dlq.OriginalKey, event.OrderID),
			value:   []byte(dlq.OriginalValue),
			headers: replayHeaders(event),

			eventType: event.Type,
			orderID:   event.OrderID,
		}, true, nil
	}

	var outboxDLQ outboxDLQPayload
	if err := json.Unmarshal(msg.Value, &outboxDLQ); err != nil {
		return replayMessage{}, false, nil
	}
	if outboxDLQ.OutboxID == "" && len(outboxDLQ.Payload) == 0 {
		return replayMessage{}, false, nil
	}
	if len(outboxDLQ.Payload) == 0 {
		return replayMessage{}, false, fmt.Errorf("outbox dlq payload does not contain original event payload")
	}
	event, err := domain.DecodeEvent(outboxDLQ.Payload)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("outbox dlq payload: %w", err)
	}
	if event.ID == "" {
		event.ID = outboxDLQ.OutboxID
	}

	return replayMessage{
		topic:   defaultTopic,
		key:     firstNonEmpty(outboxDLQ.AggregateID, event.OrderID, outboxDLQ.OutboxID),
		value:   []byte(outboxDLQ.Payload),
		headers: replayHeaders(event),

		eventType: event.Type,
		orderID:   event.OrderID,
	}, true, nil
}

// replayHeaders сбрасывает счётчик попыток: повтор из DLQ начинается заново.
func replayHeaders(event domain.Event) map[string]string {
	headers := map[string]string{
		kafka.HeaderEventType:  string(event.Type),
		kafka.HeaderRetryCount: "0",
		headerReplayedAt:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if event.ID != "" {
		headers[kafka.HeaderEventID] = event.ID
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
