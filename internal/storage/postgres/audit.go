package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakmont-games/warden/internal/anticheat"
)

// AuditRepository is a durable anticheat.AuditStore backed by PostgreSQL.
// Entries survive server restarts so an actor's history is visible to the
// validator fleet and to operators.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates an AuditRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append records one security observation.
//
// Precondition: entry.ActorID must be non-empty.
// Postcondition: The entry is durably stored.
func (r *AuditRepository) Append(ctx context.Context, entry anticheat.SecurityAudit) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO security_audits (actor_id, session_id, activities, risk, observed_at, block_number)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ActorID, entry.SessionID, entry.Activities, string(entry.Risk),
		entry.ObservedAt, int64(entry.BlockNumber),
	)
	if err != nil {
		return fmt.Errorf("inserting security audit: %w", err)
	}
	return nil
}

// ByActor returns the actor's observations, oldest first.
//
// Precondition: actorID must be non-empty.
// Postcondition: Returns all stored entries for the actor, possibly empty.
func (r *AuditRepository) ByActor(ctx context.Context, actorID string) ([]anticheat.SecurityAudit, error) {
	rows, err := r.db.Query(ctx,
		`SELECT actor_id, session_id, activities, risk, observed_at, block_number
		 FROM security_audits WHERE actor_id = $1
		 ORDER BY observed_at, id`,
		actorID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying security audits: %w", err)
	}
	defer rows.Close()

	var entries []anticheat.SecurityAudit
	for rows.Next() {
		var entry anticheat.SecurityAudit
		var risk string
		var block int64
		if err := rows.Scan(&entry.ActorID, &entry.SessionID, &entry.Activities, &risk, &entry.ObservedAt, &block); err != nil {
			return nil, fmt.Errorf("scanning security audit: %w", err)
		}
		entry.Risk = anticheat.RiskLevel(risk)
		entry.BlockNumber = uint64(block)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security audits: %w", err)
	}
	return entries, nil
}

// PurgeBefore deletes observations older than cutoff and returns how many
// were removed.
//
// Postcondition: No entry with observed_at before cutoff remains.
func (r *AuditRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM security_audits WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging security audits: %w", err)
	}
	return tag.RowsAffected(), nil
}
