package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
	"github.com/vladislavdragonenkov/fulfillment/internal/tracing"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// StorageDriver — реализация хранилища заказов.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// BusDriver — транспорт событий.
type BusDriver string

const (
	BusDriverMemory BusDriver = "memory"
	BusDriverKafka  BusDriver = "kafka"
)

// Config описывает настройки запуска. Значения читаются из YAML (CONFIG_PATH) и переопределяются окружением.
type Config struct {
	HTTPAddr    string `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`
	GRPCAddr    string `yaml:"grpc_addr" env:"GRPC_ADDR" env-default:":50051"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:":9090"`
	// HTTPRateLimit — запросов в секунду с одного IP, 0 отключает лимит.
	HTTPRateLimit int `yaml:"http_rate_limit" env:"HTTP_RATE_LIMIT" env-default:"0"`

	StorageDriver       StorageDriver `yaml:"storage_driver" env:"STORAGE_DRIVER" env-default:"memory"`
	PostgresDSN         string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	PostgresAutoMigrate bool          `yaml:"postgres_auto_migrate" env:"POSTGRES_AUTO_MIGRATE" env-default:"true"`

	BusDriver        BusDriver `yaml:"bus_driver" env:"BUS_DRIVER" env-default:"memory"`
	MemoryBusWorkers int       `yaml:"memory_bus_workers" env:"MEMORY_BUS_WORKERS" env-default:"4"`
	KafkaBrokers     []string  `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic       string    `yaml:"kafka_topic" env:"KAFKA_TOPIC" env-default:"fulfillment.order.events"`
	KafkaDLQTopic    string    `yaml:"kafka_dlq_topic" env:"KAFKA_DLQ_TOPIC" env-default:"fulfillment.order.events.dlq"`
	KafkaGroupID     string    `yaml:"kafka_group_id" env:"KAFKA_GROUP_ID" env-default:"fulfillment-saga"`

	InventoryURL            string        `yaml:"inventory_url" env:"INVENTORY_URL" env-default:"http://localhost:8081"`
	InventoryCallTimeout    time.Duration `yaml:"inventory_call_timeout" env:"INVENTORY_CALL_TIMEOUT" env-default:"2s"`
	InventoryRetryAttempts  int           `yaml:"inventory_retry_attempts" env:"INVENTORY_RETRY_ATTEMPTS" env-default:"3"`
	InventoryRetryBaseDelay time.Duration `yaml:"inventory_retry_base_delay" env:"INVENTORY_RETRY_BASE_DELAY" env-default:"1s"`
	InventoryRetryMaxDelay  time.Duration `yaml:"inventory_retry_max_delay" env:"INVENTORY_RETRY_MAX_DELAY" env-default:"10s"`
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	BreakerOpenTimeout      time.Duration `yaml:"breaker_open_timeout" env:"BREAKER_OPEN_TIMEOUT" env-default:"30s"`

	SagaWorkers int `yaml:"saga_workers" env:"SAGA_WORKERS" env-default:"8"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"200ms"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts" env:"OUTBOX_MAX_ATTEMPTS" env-default:"3"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay" env:"OUTBOX_RETRY_DELAY" env-default:"50ms"`

	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL" env-default:"24h"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval" env:"IDEMPOTENCY_CLEANUP_INTERVAL" env-default:"10m"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size" env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" env-default:"500"`

	Currency              string `yaml:"currency" env:"ORDER_CURRENCY" env-default:"USD"`
	ShippingFlatMinor     int64  `yaml:"shipping_flat_minor" env:"SHIPPING_FLAT_MINOR" env-default:"0"`
	FreeShippingFromMinor int64  `yaml:"free_shipping_from_minor" env:"FREE_SHIPPING_FROM_MINOR" env-default:"0"`
	// TaxRate — десятичная строка, 0.2 означает 20%.
	TaxRate string `yaml:"tax_rate" env:"TAX_RATE" env-default:"0"`

	TracingEndpoint    string  `yaml:"tracing_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracingInsecure    bool    `yaml:"tracing_insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio" env:"OTEL_TRACES_SAMPLE_RATIO" env-default:"1"`
}

// DefaultConfig возвращает значения по умолчанию, совпадающие с env-default.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		BusDriver:                   BusDriverMemory,
		MemoryBusWorkers:            4,
		KafkaTopic:                  "fulfillment.order.events",
		KafkaDLQTopic:               "fulfillment.order.events.dlq",
		KafkaGroupID:                "fulfillment-saga",
		InventoryURL:                "http://localhost:8081",
		InventoryCallTimeout:        2 * time.Second,
		InventoryRetryAttempts:      3,
		InventoryRetryBaseDelay:     time.Second,
		InventoryRetryMaxDelay:      10 * time.Second,
		BreakerFailureThreshold:     5,
		BreakerOpenTimeout:          30 * time.Second,
		SagaWorkers:                 8,
		OutboxPollInterval:          200 * time.Millisecond,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		Currency:                    "USD",
		TaxRate:                     "0",
		TracingInsecure:             true,
		TracingSampleRatio:          1,
	}
}

// LoadConfig читает конфигурацию: YAML из path, если он задан, иначе только окружение.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.BusDriver {
	case BusDriverMemory:
	case BusDriverKafka:
		if len(c.kafkaBrokers()) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for kafka bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported bus driver %q", c.BusDriver))
	}

	if _, err := currency.ParseISO(c.Currency); err != nil {
		errs = append(errs, fmt.Errorf("ORDER_CURRENCY %q: %w", c.Currency, domain.ErrCurrencyInvalid))
	}
	if _, err := c.Pricing(); err != nil {
		errs = append(errs, err)
	}
	if c.InventoryRetryAttempts < 1 {
		errs = append(errs, errors.New("INVENTORY_RETRY_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

// Pricing собирает правила расчёта суммы заказа.
func (c Config) Pricing() (domain.Pricing, error) {
	rate := decimal.Zero
	if strings.TrimSpace(c.TaxRate) != "" {
		parsed, err := decimal.NewFromString(c.TaxRate)
		if err != nil {
			return domain.Pricing{}, fmt.Errorf("TAX_RATE %q: %w", c.TaxRate, err)
		}
		rate = parsed
	}
	if rate.IsNegative() {
		return domain.Pricing{}, fmt.Errorf("TAX_RATE %q must be non-negative", c.TaxRate)
	}
	if c.ShippingFlatMinor < 0 || c.FreeShippingFromMinor < 0 {
		return domain.Pricing{}, errors.New("shipping amounts must be non-negative")
	}
	return domain.Pricing{
		ShippingFlatMinor:     c.ShippingFlatMinor,
		FreeShippingFromMinor: c.FreeShippingFromMinor,
		TaxRate:               rate,
	}, nil
}

// InventoryPolicy возвращает политику повторов и breaker для склада.
func (c Config) InventoryPolicy() resilience.Config {
	cfg := resilience.DefaultConfig("inventory")
	if c.InventoryRetryAttempts > 0 {
		cfg.MaxAttempts = c.InventoryRetryAttempts
	}
	if c.InventoryRetryBaseDelay > 0 {
		cfg.InitialDelay = c.InventoryRetryBaseDelay
	}
	if c.InventoryRetryMaxDelay > 0 {
		cfg.MaxDelay = c.InventoryRetryMaxDelay
	}
	if c.InventoryCallTimeout > 0 {
		cfg.AttemptTimeout = c.InventoryCallTimeout
	}
	if c.BreakerFailureThreshold > 0 {
		cfg.FailureThreshold = c.BreakerFailureThreshold
	}
	if c.BreakerOpenTimeout > 0 {
		cfg.OpenTimeout = c.BreakerOpenTimeout
	}
	return cfg
}

// Tracing возвращает настройки экспорта трейсов.
func (c Config) Tracing() tracing.Config {
	v, _, _ := version.Info()
	return tracing.Config{
		ServiceName:    "fulfillment",
		ServiceVersion: v,
		Endpoint:       c.TracingEndpoint,
		Insecure:       c.TracingInsecure,
		SampleRatio:    c.TracingSampleRatio,
	}
}

func (c Config) kafkaBrokers() []string {
	brokers := make([]string, 0, len(c.KafkaBrokers))
	for _, b := range c.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
