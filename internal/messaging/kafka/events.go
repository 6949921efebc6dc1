package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "fulfillment.order.events"
	TopicDeadLetterQueue = "fulfillment.order.events.dlq"
)

// Kafka headers событий и DLQ
const (
	HeaderEventType     = "x-event-type"
	HeaderEventID       = "x-event-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// DLQMessage описывает конверт сообщения, не обработанного после всех попыток.
type DLQMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ParseDLQMessage разбирает конверт DLQ и проверяет обязательные поля.
func ParseDLQMessage(data []byte) (DLQMessage, error) {
	var msg DLQMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return DLQMessage{}, fmt.Errorf("decode dlq message: %w", err)
	}
	if msg.OriginalTopic == "" {
		return DLQMessage{}, fmt.Errorf("decode dlq message: original_topic is required")
	}
	if msg.OriginalValue == "" {
		return DLQMessage{}, fmt.Errorf("decode dlq message: original_value is required")
	}
	return msg, nil
}
