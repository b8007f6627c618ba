package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// AuditStore implements domain.AuditStore over the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry. The actor gets its own indexed column; the rest of
// the detail is kept as JSONB.
func (s *AuditStore) Log(ctx context.Context, e domain.AuditEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit %s: %w", e.Event, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, actor, detail) VALUES ($1, $2, $3)`,
		e.Event, e.Actor, detail)
	if err != nil {
		return fmt.Errorf("postgres: log audit %s: %w", e.Event, err)
	}
	return nil
}

// List returns matching entries newest first.
func (s *AuditStore) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Event != "" {
		arg("event = $%d", f.Event)
	}
	if f.Actor != "" {
		arg("actor = $%d", f.Actor)
	}
	if f.Since != nil {
		arg("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		arg("created_at < $%d", *f.Until)
	}

	var q strings.Builder
	q.WriteString(`SELECT id, event, actor, detail, created_at FROM audit_log`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY id DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&q, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: audit %d detail: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return out, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
