package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeReconcileSweep = "reconcile:sweep"

type ReconcileSweepPayload struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewReconcileSweepTask(payload ReconcileSweepPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.RequestedBy) == "" {
		payload.RequestedBy = "scheduler"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	return asynq.NewTask(TypeReconcileSweep, body), nil
}

func ParseReconcileSweepPayload(task *asynq.Task) (ReconcileSweepPayload, error) {
	var payload ReconcileSweepPayload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ReconcileSweepPayload{}, fmt.Errorf("unmarshal sweep payload: %w", err)
	}
	return payload, nil
}
