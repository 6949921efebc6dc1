package app

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	memorybus "github.com/vladislavdragonenkov/fulfillment/internal/messaging/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
)

// eventing содержит шину событий и всё, что нужно outbox worker для доставки в неё.
type eventing struct {
	bus   domain.EventBus
	relay domain.OutboxPublisher
	// dlq равен nil для memory: сообщения после исчерпания попыток остаются failed в outbox.
	dlq      domain.OutboxPublisher
	checker  health.Checker
	memory   *memorybus.Bus
	producer *kafka.Producer
	consumer *kafka.Consumer
}

// initEventing строит шину по BUS_DRIVER. Для kafka consumer создаётся, но не запускается.
func initEventing(cfg Config, logger *log.Entry) (*eventing, error) {
	switch cfg.BusDriver {
	case "", BusDriverMemory:
		bus := memorybus.NewBus(
			memorybus.WithWorkers(cfg.MemoryBusWorkers),
			memorybus.WithLogger(logger.WithField("component", "memory-bus")),
		)
		return &eventing{
			bus:   bus,
			relay: outbox.NewBusRelay(bus),
			checker: health.NewSimpleChecker("bus", func(context.Context) error {
				return nil
			}),
			memory: bus,
		}, nil
	case BusDriverKafka:
		brokers := cfg.kafkaBrokers()
		producer, err := initKafkaProducer(strings.Join(brokers, ","), logger)
		if err != nil {
			return nil, err
		}
		if producer == nil {
			return nil, errors.New("kafka bus requires KAFKA_BROKERS")
		}
		bus := kafka.NewEventBus(producer, cfg.KafkaTopic, logger.WithField("component", "kafka-bus"))
		consumer, err := kafka.NewConsumer(brokers, cfg.KafkaGroupID, []string{bus.Topic()}, bus.Handle,
			kafka.WithDLQ(producer, cfg.KafkaDLQTopic),
			kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
		)
		if err != nil {
			closeKafka(producer, logger)
			return nil, err
		}
		return &eventing{
			bus:      bus,
			relay:    kafka.NewOutboxPublisher(producer, bus.Topic()),
			dlq:      kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic),
			checker:  health.NewSimpleChecker("bus", func(context.Context) error { return nil }),
			producer: producer,
			consumer: consumer,
		}, nil
	default:
		return nil, errors.New("unsupported bus driver " + string(cfg.BusDriver))
	}
}

// start запускает чтение topic; для memory шины ничего не делает.
func (e *eventing) start(ctx context.Context) error {
	if e.consumer == nil {
		return nil
	}
	return e.consumer.Start(ctx)
}

// close останавливает consumer, дожидается доставок memory шины и закрывает producer.
func (e *eventing) close(ctx context.Context, logger *log.Entry) {
	if e.consumer != nil {
		if err := e.consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if e.memory != nil {
		if err := e.memory.Close(ctx); err != nil {
			logger.WithError(err).Warn("memory bus closed with pending deliveries")
		}
	}
	closeKafka(e.producer, logger)
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := make([]string, 0)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
