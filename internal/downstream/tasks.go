package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relay/internal/broker"
	"relay/internal/logger"
	"relay/pkg/circuitbreaker"
)

// TaskMessage is the payload enqueued by the spawn_task action. Downstream
// workers own execution; only enqueueing is this system's responsibility.
type TaskMessage struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Params       map[string]interface{} `json:"params,omitempty"`
	OccurrenceID string                 `json:"occurrence_id,omitempty"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
}

type TaskSubstrate struct {
	producer broker.Producer
	topic    string
	breaker  *circuitbreaker.Wrapper
	logger   logger.Logger
}

func NewTaskSubstrate(producer broker.Producer, topic string, breaker *circuitbreaker.Wrapper, log logger.Logger) *TaskSubstrate {
	return &TaskSubstrate{
		producer: producer,
		topic:    topic,
		breaker:  breaker,
		logger:   log,
	}
}

func (s *TaskSubstrate) Spawn(ctx context.Context, taskName string, params map[string]interface{}, occurrenceID string) (string, error) {
	msg := TaskMessage{
		ID:           uuid.New().String(),
		Name:         taskName,
		Params:       params,
		OccurrenceID: occurrenceID,
		EnqueuedAt:   time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task message: %w", err)
	}

	publish := func() (interface{}, error) {
		return nil, s.producer.Publish(ctx, s.topic, msg.ID, body)
	}

	if s.breaker != nil {
		_, err = s.breaker.ExecuteWithContext(ctx, publish)
	} else {
		_, err = publish()
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task '%s': %w", taskName, err)
	}

	s.logger.InfowCtx(ctx, "Task enqueued",
		"task_id", msg.ID,
		"task_name", taskName,
		"occurrence_id", occurrenceID,
	)

	return msg.ID, nil
}
