// Package directory resolves recipient selectors against the platform's user
// tables. It is a default implementation of the dispatcher's Resolver
// boundary; deployments with a separate identity service swap it out.
package directory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-academy/backend/internal/jobs"
	"github.com/atlas-academy/backend/internal/models"
)

// Resolver queries the users table for selector-based targeting. Opted-out
// users are excluded at resolution time.
type Resolver struct {
	pool *pgxpool.Pool
}

// NewResolver creates a pg-backed resolver.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Resolve implements jobs.Resolver.
func (r *Resolver) Resolve(ctx context.Context, sel jobs.Selector) ([]models.Recipient, error) {
	const base = `SELECT id, email, full_name FROM users WHERE email_opt_out = FALSE`

	var rows pgx.Rows
	var err error
	switch sel.Type {
	case models.RecipientTypeRoleBased:
		if sel.Role == "" {
			return nil, fmt.Errorf("role selector without role")
		}
		rows, err = r.pool.Query(ctx, base+` AND role = $1 ORDER BY created_at`, sel.Role)
	case models.RecipientTypeCohort:
		if sel.CohortID == nil {
			return nil, fmt.Errorf("cohort selector without cohort id")
		}
		rows, err = r.pool.Query(ctx, base+` AND cohort_id = $1 ORDER BY created_at`, *sel.CohortID)
	case models.RecipientTypeLeague:
		if sel.LeagueID == nil {
			return nil, fmt.Errorf("league selector without league id")
		}
		rows, err = r.pool.Query(ctx, base+` AND league_id = $1 ORDER BY created_at`, *sel.LeagueID)
	case models.RecipientTypeAllUsers:
		rows, err = r.pool.Query(ctx, base+` ORDER BY created_at`)
	default:
		return nil, fmt.Errorf("unsupported selector type %q", sel.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", sel.Type, err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var rec models.Recipient
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Name); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
