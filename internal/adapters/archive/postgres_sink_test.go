package archive

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/quietfield/mtrec/internal/domain"
)

func TestPostgresSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "samples")
	ts := time.Now()

	samples := []*domain.Sample{
		{
			SourceID:  "VTC",
			Timestamp: ts,
			Seq:       248,
			Fields: map[string]domain.Value{
				"Srpm": domain.Number(1200),
				"Fact": domain.Unavailable(),
			},
		},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO samples (source_id, ts, seq, fields) VALUES ($1,$2,$3,$4) ON CONFLICT (source_id, ts, seq) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("VTC", ts, uint64(248), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := sink.WriteBatch(samples); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkWriteBatchNoSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "samples")
	if err := sink.WriteBatch(nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	sink := NewPostgresSink(db, "samples")
	if sink.Name() != "postgres" {
		t.Fatalf("expected sink name postgres, got %s", sink.Name())
	}
}
