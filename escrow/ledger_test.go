package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// recordingTx captures every statement the ledger issues and answers
// QueryRow with a scripted row.
type recordingTx struct {
	queries []string
	row     fakeRow
}

func (f *recordingTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("recordingTx does not support nested transactions")
}

func (f *recordingTx) Commit(context.Context) error   { return nil }
func (f *recordingTx) Rollback(context.Context) error { return nil }

func (f *recordingTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *recordingTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *recordingTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *recordingTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *recordingTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *recordingTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *recordingTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	return f.row
}

func (f *recordingTx) Conn() *pgx.Conn { return nil }

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.vals[i].(string)
		case *int64:
			*d = r.vals[i].(int64)
		case *time.Time:
			*d = r.vals[i].(time.Time)
		default:
			panic("unexpected scan destination")
		}
	}
	return nil
}

// A released booking must hold nothing: the CAS that flips escrow to its
// terminal state has to zero held_cents in the same statement.
func TestRelease_ZeroesHeldFunds(t *testing.T) {
	releasedAt := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	tx := &recordingTx{row: fakeRow{vals: []any{"bk-1", int64(25300), releasedAt}}}

	rec, already, err := NewLedger().Release(context.Background(), tx, "bk-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if already {
		t.Fatal("fresh release reported as replay")
	}
	if rec.PayoutCents != 25300 || !rec.ReleasedAt.Equal(releasedAt) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if len(tx.queries) != 1 {
		t.Fatalf("expected a single CAS statement, got %d", len(tx.queries))
	}
	cas := tx.queries[0]
	if !strings.Contains(cas, "held_cents = 0") {
		t.Fatalf("release CAS must zero held_cents:\n%s", cas)
	}
	if !strings.Contains(cas, "escrow = 'released'") {
		t.Fatalf("release CAS must move escrow to released:\n%s", cas)
	}
}

// Refund zeroes held_cents too, but still reports the amount that was held
// before the update so the caller can record the refund fact.
func TestRefund_ReportsHeldAmountBeforeZeroing(t *testing.T) {
	tx := &recordingTx{row: fakeRow{vals: []any{int64(6000)}}}

	refunded, err := NewLedger().Refund(context.Background(), tx, "bk-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded != 6000 {
		t.Fatalf("expected refunded amount 6000, got %d", refunded)
	}

	if len(tx.queries) != 1 {
		t.Fatalf("expected a single CAS statement, got %d", len(tx.queries))
	}
	cas := tx.queries[0]
	if !strings.Contains(cas, "held_cents = 0") {
		t.Fatalf("refund CAS must zero held_cents:\n%s", cas)
	}
	if !strings.Contains(cas, "prior.held_cents") {
		t.Fatalf("refund CAS must return the pre-update held amount:\n%s", cas)
	}
}
