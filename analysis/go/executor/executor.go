// Package executor defines the boundary between the scheduler and the
// concrete data fetchers / LLM enrichers. The core owns the interface;
// implementations are injected at startup.
package executor

import (
	"context"
	"errors"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
)

// ErrNoExecutor is returned when no executor is registered for a card. It is
// not retryable.
var ErrNoExecutor = errors.New("no executor registered for card")

// ProgressFunc lets an executor emit card.progress events while running. The
// data block is forwarded to event subscribers verbatim and is not persisted
// as card output; it may carry producer-defined sub-blocks such as "append"
// or "prefill_cards".
type ProgressFunc func(step, message string, data map[string]interface{})

// CardExecutor produces one card's raw payload. Executors must respect ctx
// cancellation at safe points and may read and write job artifacts through
// the stores they were constructed with; resource.* producers write their
// full payload to the artifact store keyed by card type.
type CardExecutor interface {
	ExecuteCard(ctx context.Context, job *types.Job, card *types.Card, progress ProgressFunc) (map[string]interface{}, error)
}

// Func adapts a function to the CardExecutor interface.
type Func func(ctx context.Context, job *types.Job, card *types.Card, progress ProgressFunc) (map[string]interface{}, error)

// ExecuteCard implements CardExecutor.
func (f Func) ExecuteCard(ctx context.Context, job *types.Job, card *types.Card, progress ProgressFunc) (map[string]interface{}, error) {
	return f(ctx, job, card, progress)
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient wraps err to mark it retryable: timeouts, rate limits, and
// temporarily-unavailable upstreams. Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient returns true if the error is retryable. Deadline expiry is
// always considered transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Registry dispatches cards to executors registered per (source, card type),
// with an optional per-source fallback. It implements CardExecutor.
type Registry struct {
	byCard   map[string]map[string]CardExecutor
	bySource map[string]CardExecutor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byCard:   map[string]map[string]CardExecutor{},
		bySource: map[string]CardExecutor{},
	}
}

// Register binds an executor to one (source, cardType) pair.
func (r *Registry) Register(source, cardType string, e CardExecutor) {
	if r.byCard[source] == nil {
		r.byCard[source] = map[string]CardExecutor{}
	}
	r.byCard[source][cardType] = e
}

// RegisterSource binds a fallback executor for every card of a source.
func (r *Registry) RegisterSource(source string, e CardExecutor) {
	r.bySource[source] = e
}

// ExecuteCard implements CardExecutor.
func (r *Registry) ExecuteCard(ctx context.Context, job *types.Job, card *types.Card, progress ProgressFunc) (map[string]interface{}, error) {
	if e := r.byCard[job.Source][card.Type]; e != nil {
		return e.ExecuteCard(ctx, job, card, progress)
	}
	if e := r.bySource[job.Source]; e != nil {
		return e.ExecuteCard(ctx, job, card, progress)
	}
	return nil, ErrNoExecutor
}

var _ CardExecutor = (*Registry)(nil)
var _ CardExecutor = Func(nil)
