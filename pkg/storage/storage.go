// Package storage persists pipeline run records and the orders accepted by the
// supplier sink. Memory implementations live here; durable ones live in the
// sqlite subpackage.
package storage

import (
	"context"

	"github.com/polisai/polis-esb/pkg/domain"
)

// DefaultListLimit caps listings that do not name a limit.
const DefaultListLimit = 50

// RunJournal records completed pipeline runs. Failed runs double as the
// dead-letter record for messages that could not be delivered.
type RunJournal interface {
	Record(ctx context.Context, run domain.RunRecord) error
	Get(ctx context.Context, runID string) (domain.RunRecord, error)
	List(ctx context.Context, filter domain.RunFilter) ([]domain.RunRecord, error)
	Close() error
}

// OrderStore keeps payloads accepted by the supplier sink in arrival order.
type OrderStore interface {
	Save(ctx context.Context, payload []byte) (domain.StoredOrder, error)
	List(ctx context.Context) ([]domain.StoredOrder, error)
	Close() error
}

// Matches reports whether run passes filter (ignoring Limit).
func Matches(filter domain.RunFilter, run domain.RunRecord) bool {
	if filter.RouteID != "" && filter.RouteID != run.RouteID {
		return false
	}
	if filter.Status != "" && filter.Status != run.Status {
		return false
	}
	return true
}

// EffectiveLimit clamps a listing limit.
func EffectiveLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
