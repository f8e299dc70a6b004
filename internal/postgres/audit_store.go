package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/questline-hq/questline/platform/internal/domain"
)

// AuditStore reads and appends the append-only challenge audit log.
//
// Appends driven by lifecycle operations happen inside the ChallengeStore's
// transactions (appendAuditTx) so they commit with the mutation they record.
// The standalone Append is for the reconciler, which repairs a trail after
// the fact.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// ListFor returns all audit entries for a challenge in commit order.
func (s *AuditStore) ListFor(ctx context.Context, challengeID int64) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, challenge_id, actor, action, from_state, to_state, detail, created_at
		 FROM audit_log WHERE challenge_id = $1 ORDER BY created_at, id`,
		challengeID)
	if err != nil {
		return nil, &domain.StorageError{Op: "list audit entries", Err: err}
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, &domain.StorageError{Op: "scan audit entry", Err: err}
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate audit entries", Err: err}
	}
	return entries, nil
}

// Append writes a single audit entry outside any challenge mutation.
func (s *AuditStore) Append(ctx context.Context, entry *domain.AuditEntry) error {
	stampEntry(entry)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, challenge_id, actor, action, from_state, to_state, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ChallengeID, entry.Actor, string(entry.Action),
		statePtrToText(entry.FromState), statePtrToText(entry.ToState),
		entry.Detail, entry.CreatedAt)
	if err != nil {
		return &domain.StorageError{Op: "append audit entry", Err: err}
	}
	return nil
}

// appendAuditTx writes an audit entry inside an open transaction, so the
// entry and the challenge mutation it records commit or roll back together.
func appendAuditTx(ctx context.Context, tx pgx.Tx, entry *domain.AuditEntry) error {
	stampEntry(entry)
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, challenge_id, actor, action, from_state, to_state, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ChallengeID, entry.Actor, string(entry.Action),
		statePtrToText(entry.FromState), statePtrToText(entry.ToState),
		entry.Detail, entry.CreatedAt)
	if err != nil {
		return &domain.StorageError{Op: "append audit entry", Err: err}
	}
	return nil
}

// stampEntry fills the generated fields of an entry before insert.
func stampEntry(entry *domain.AuditEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
}

func statePtrToText(s *domain.ChallengeState) *string {
	if s == nil {
		return nil
	}
	str := string(*s)
	return &str
}

// scanAuditEntry scans one audit row from pgx.Rows.
func scanAuditEntry(rows pgx.Rows) (*domain.AuditEntry, error) {
	var (
		e          domain.AuditEntry
		action     string
		fromS, toS *string
	)
	if err := rows.Scan(&e.ID, &e.ChallengeID, &e.Actor, &action, &fromS, &toS, &e.Detail, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Action = domain.AuditAction(action)
	if fromS != nil {
		e.FromState = domain.StatePtr(domain.ChallengeState(*fromS))
	}
	if toS != nil {
		e.ToState = domain.StatePtr(domain.ChallengeState(*toS))
	}
	return &e, nil
}
