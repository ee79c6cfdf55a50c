// Package archive mirrors recorded samples into a Postgres/Timescale table.
// The partition files remain the source of truth; the mirror exists for
// ad-hoc SQL over recent data and is written idempotently.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, tableName: table}
}

func (p *PostgresSink) Name() string { return "postgres" }

// WriteBatch inserts a batch in one statement. ON CONFLICT DO NOTHING keeps
// retried batches idempotent (at-least-once delivery from the pump).
func (p *PostgresSink) WriteBatch(samples []*domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (source_id, ts, seq, fields) VALUES ")

	args := make([]any, 0, len(samples)*4)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4))

		fields, err := json.Marshal(s.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		args = append(args, s.SourceID, s.Timestamp, s.Seq, fields)
	}

	b.WriteString(" ON CONFLICT (source_id, ts, seq) DO NOTHING")

	_, err := p.db.Exec(b.String(), args...)
	return err
}

var _ ports.Sink = (*PostgresSink)(nil)
