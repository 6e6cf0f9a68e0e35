package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deltastream/deltastream/internal/models"
)

// Kind discriminates the task payload.
type Kind string

const (
	KindEnrichTick    Kind = "enrich_tick"
	KindEnrichChain   Kind = "enrich_chain"
	KindRecomputeOHLC Kind = "recompute_ohlc"
)

// RecomputeArgs identifies one OHLC window to rebuild from history.
type RecomputeArgs struct {
	Product string    `json:"product"`
	Window  int       `json:"window"`
	TStart  time.Time `json:"t_start"`
}

// Task is the broker envelope. Exactly one of Tick, Chain or Recompute is
// set, selected by Kind. Attempt counts deliveries, starting at 1.
type Task struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Attempt    int                    `json:"attempt"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	Tick       *models.UnderlyingTick `json:"tick,omitempty"`
	Chain      *models.OptionChain    `json:"chain,omitempty"`
	Recompute  *RecomputeArgs         `json:"recompute,omitempty"`
}

// NewTickTask wraps a validated tick for enrichment.
func NewTickTask(tick *models.UnderlyingTick) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       KindEnrichTick,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
		Tick:       tick,
	}
}

// NewChainTask wraps a validated chain for enrichment.
func NewChainTask(chain *models.OptionChain) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       KindEnrichChain,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
		Chain:      chain,
	}
}

// NewRecomputeTask requests an operator-triggered OHLC rebuild.
func NewRecomputeTask(product string, window int, tStart time.Time) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       KindRecomputeOHLC,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
		Recompute:  &RecomputeArgs{Product: product, Window: window, TStart: tStart},
	}
}

// Encode serializes the envelope for the queue.
func (t *Task) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask parses a queue payload back into a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
