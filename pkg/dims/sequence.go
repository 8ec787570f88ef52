package dims

import (
	"context"
	"fmt"

	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// Sequence allocates surrogate keys: strictly increasing, never reused.
// Keeping allocation in an explicit counter (seeded from the highest
// committed key) keeps the natural-key bijection verifiable instead of
// depending on insertion order.
type Sequence struct {
	next int64
}

// NewSequence starts allocation after the given last-used key.
func NewSequence(last int64) *Sequence {
	return &Sequence{next: last + 1}
}

// Next returns the next surrogate key.
func (s *Sequence) Next() int64 {
	k := s.next
	s.next++
	return k
}

// SeedSequence reads the highest committed key of a table's key column.
func SeedSequence(ctx context.Context, conn warehouse.Conn, table, keyColumn string) (*Sequence, error) {
	var last int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", keyColumn, table)
	if err := conn.DB().QueryRowContext(ctx, q).Scan(&last); err != nil {
		return nil, fmt.Errorf("seed %s sequence: %w", table, err)
	}
	return NewSequence(last), nil
}
