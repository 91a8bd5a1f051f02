package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ramiqadoumi/genflow/internal/kafka"
)

// DispatchTopic carries task ids from the gateway to worker processes.
const DispatchTopic = "tasks.dispatch"

// DispatchMessage is the payload published for each dispatched task. It only
// names the task; workers load everything else from the ledger.
type DispatchMessage struct {
	TaskID string `json:"task_id"`
}

// KafkaDispatcher publishes task ids for out-of-process workers.
type KafkaDispatcher struct {
	producer kafka.Producer
	topic    string
}

// NewKafkaDispatcher returns a dispatcher publishing to topic, or to
// DispatchTopic when topic is empty.
func NewKafkaDispatcher(producer kafka.Producer, topic string) *KafkaDispatcher {
	if topic == "" {
		topic = DispatchTopic
	}
	return &KafkaDispatcher{producer: producer, topic: topic}
}

func (d *KafkaDispatcher) Name() string { return "kafka" }

// Dispatch publishes taskID keyed by itself, so redeliveries of one task land
// on the same partition.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, taskID string) error {
	value, err := json.Marshal(DispatchMessage{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	return d.producer.Publish(ctx, d.topic, taskID, value)
}

// DecodeDispatch parses a message published by KafkaDispatcher.
func DecodeDispatch(value []byte) (string, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return "", fmt.Errorf("decode dispatch message: %w", err)
	}
	if msg.TaskID == "" {
		return "", fmt.Errorf("decode dispatch message: missing task_id")
	}
	return msg.TaskID, nil
}
