package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/storage"
)

// OrderStore is a storage.OrderStore persisted in sqlite.
type OrderStore struct {
	db  *DB
	now func() time.Time
}

var _ storage.OrderStore = (*OrderStore)(nil)

// NewOrderStore returns an order store writing to db.
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

// Save appends payload.
func (s *OrderStore) Save(ctx context.Context, payload []byte) (domain.StoredOrder, error) {
	received := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO supplier_order (payload, received_at) VALUES (?, ?)`,
		payload, received.UnixNano())
	if err != nil {
		return domain.StoredOrder{}, fmt.Errorf("insert order: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.StoredOrder{}, fmt.Errorf("order sequence: %w", err)
	}
	return domain.StoredOrder{
		Seq:        seq,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: received,
	}, nil
}

// List returns every order in arrival order.
func (s *OrderStore) List(ctx context.Context) ([]domain.StoredOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload, received_at FROM supplier_order ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredOrder
	for rows.Next() {
		var (
			o        domain.StoredOrder
			received int64
		)
		if err := rows.Scan(&o.Seq, &o.Payload, &received); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.ReceivedAt = time.Unix(0, received).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *OrderStore) Close() error {
	return s.db.Close()
}
