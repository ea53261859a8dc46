package policy

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Registry is the DB-backed store of privileged and marketer flags, keyed
// by username.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a registry backed by the given database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// TierFor resolves the tier flags for a username. Unknown users are regular.
func (r *Registry) TierFor(ctx context.Context, username string) (Tier, error) {
	var tier Tier

	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM privileged_users WHERE username = ?`, username).Scan(&n); err != nil {
		return Tier{}, fmt.Errorf("query privileged: %w", err)
	}
	tier.Privileged = n > 0

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM marketers WHERE username = ?`, username).Scan(&n); err != nil {
		return Tier{}, fmt.Errorf("query marketers: %w", err)
	}
	tier.Marketer = n > 0

	return tier, nil
}

// AddPrivileged flags a username as a privileged trader. Idempotent.
func (r *Registry) AddPrivileged(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO privileged_users (username, created_at) VALUES (?, ?)
		ON CONFLICT(username) DO NOTHING
	`, username, time.Now())
	if err != nil {
		return fmt.Errorf("add privileged %s: %w", username, err)
	}
	return nil
}

// RemovePrivileged clears the privileged flag for a username.
func (r *Registry) RemovePrivileged(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM privileged_users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("remove privileged %s: %w", username, err)
	}
	return nil
}

// AddMarketer flags a username as a marketer. Idempotent.
func (r *Registry) AddMarketer(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO marketers (username, created_at) VALUES (?, ?)
		ON CONFLICT(username) DO NOTHING
	`, username, time.Now())
	if err != nil {
		return fmt.Errorf("add marketer %s: %w", username, err)
	}
	return nil
}

// RemoveMarketer clears the marketer flag for a username.
func (r *Registry) RemoveMarketer(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM marketers WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("remove marketer %s: %w", username, err)
	}
	return nil
}

// ListPrivileged returns all privileged usernames.
func (r *Registry) ListPrivileged(ctx context.Context) ([]string, error) {
	return r.listTable(ctx, "privileged_users")
}

// ListMarketers returns all marketer usernames.
func (r *Registry) ListMarketers(ctx context.Context) ([]string, error) {
	return r.listTable(ctx, "marketers")
}

func (r *Registry) listTable(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT username FROM `+table+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SeedFromConfig upserts tier flags from a seed file into the registry.
func (r *Registry) SeedFromConfig(ctx context.Context, seed SeedFile) error {
	for _, name := range seed.Privileged {
		if err := r.AddPrivileged(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range seed.Marketers {
		if err := r.AddMarketer(ctx, name); err != nil {
			return err
		}
	}
	if len(seed.Privileged) > 0 || len(seed.Marketers) > 0 {
		log.Printf("Tier registry seeded: %d privileged, %d marketers",
			len(seed.Privileged), len(seed.Marketers))
	}
	return nil
}
