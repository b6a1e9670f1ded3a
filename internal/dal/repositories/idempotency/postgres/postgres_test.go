package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contendedQuerier simulates a key whose row is permanently claimed by
// concurrent callers: every insert conflicts, the stored record is expired,
// and the takeover loses each time.
type contendedQuerier struct {
	execCalls int
}

func (q *contendedQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	q.execCalls++
	if strings.HasPrefix(sql, "INSERT") {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}

	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (q *contendedQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (q *contendedQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return expiredRecordRow{}
}

// expiredRecordRow scans as a RESERVED record whose expiry is in the past.
type expiredRecordRow struct{}

func (expiredRecordRow) Scan(dest ...any) error {
	*(dest[0].(*string)) = "key-contended"
	*(dest[1].(*int64)) = 7
	*(dest[2].(*string)) = "create_order"
	*(dest[3].(*string)) = "RESERVED"
	*(dest[6].(*time.Time)) = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	*(dest[7].(*time.Time)) = time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)

	return nil
}

func TestTryReserveBoundedUnderContention(t *testing.T) {
	querier := &contendedQuerier{}
	repo := NewRepository(querier)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_, _, err := repo.TryReserve(context.Background(), "key-contended", 7, "create_order", now, 5*time.Minute)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "contended")

	// Two attempts, each one insert and one takeover; the loop must not
	// spin beyond that.
	assert.Equal(t, 4, querier.execCalls)
}
