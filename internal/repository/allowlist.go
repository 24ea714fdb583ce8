package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/relaygate/mailbridge/internal/util"
)

// AllowlistRepository persists the canonical sender identities that may
// trigger outbound sends. Seeded once at startup, read-only afterwards.
type AllowlistRepository interface {
	IsAllowed(ctx context.Context, identity string) (bool, error)
	// Seed upserts the given identities. Idempotent.
	Seed(ctx context.Context, identities []string) error
}

type AllowlistRepositoryImpl struct {
	db *sqlx.DB
}

func NewAllowlistRepository(db *sqlx.DB) *AllowlistRepositoryImpl {
	return &AllowlistRepositoryImpl{db: db}
}

var _ AllowlistRepository = (*AllowlistRepositoryImpl)(nil)

func (r *AllowlistRepositoryImpl) IsAllowed(ctx context.Context, identity string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM allowlist WHERE identity = ?
	`, util.CanonicalIdentity(identity))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *AllowlistRepositoryImpl) Seed(ctx context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT IGNORE INTO allowlist (identity, created_at) VALUES (?, NOW())`
	for _, id := range identities {
		if _, err := tx.ExecContext(ctx, q, util.CanonicalIdentity(id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
