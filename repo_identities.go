package didauth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Identities is the IdentityStore. Writes are optimistic: Update and Delete
// must carry the revision read immediately before, stale revisions fail with
// ErrRevisionConflict instead of overwriting.
type Identities interface {
	Get(ctx context.Context, did string) (*Identity, error)
	List(ctx context.Context) ([]*Identity, error)
	Create(ctx context.Context, identity *Identity) (*Identity, error)
	Update(ctx context.Context, identity *Identity) (*Identity, error)
	Delete(ctx context.Context, did, rev string) error
}

type identities struct {
	db  bun.IDB
	now func() time.Time
}

var _ Identities = (*identities)(nil)

// IdentitiesOption customizes the bun identity store
type IdentitiesOption func(*identities)

// WithIdentitiesClock injects a custom clock (useful for tests)
func WithIdentitiesClock(clock func() time.Time) IdentitiesOption {
	return func(r *identities) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewIdentitiesRepository returns a bun backed identity store
func NewIdentitiesRepository(db bun.IDB, opts ...IdentitiesOption) Identities {
	r := &identities{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *identities) Get(ctx context.Context, did string) (*Identity, error) {
	record := &Identity{}
	err := r.db.NewSelect().
		Model(record).
		Where("?TableAlias.identity_did = ?", did).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(ErrIdentityNotFound, map[string]any{"did": did})
		}
		return nil, wrapError(ErrInternal, err, map[string]any{"did": did, "op": "get"})
	}
	return record, nil
}

func (r *identities) List(ctx context.Context) ([]*Identity, error) {
	records := []*Identity{}
	err := r.db.NewSelect().
		Model(&records).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapError(ErrInternal, err, map[string]any{"op": "list"})
	}
	return records, nil
}

func (r *identities) Create(ctx context.Context, identity *Identity) (*Identity, error) {
	if identity == nil || identity.DID == "" {
		return nil, newError(ErrBadRequest, map[string]any{"reason": "identity did is required"})
	}

	record := identity.Clone()
	if record.ID == uuid.Nil {
		record.ID = IdentityRecordID(record.DID)
	}
	if !record.InstanceStatus.IsValid() {
		record.InstanceStatus = InstancePending
	}

	now := r.now()
	record.Rev = NextRevision("")
	record.CreatedAt = &now
	record.UpdatedAt = &now
	if record.InstanceCreatedAt.IsZero() {
		record.InstanceCreatedAt = now
	}
	if record.InstanceUpdatedAt.IsZero() {
		record.InstanceUpdatedAt = now
	}

	if _, err := r.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if _, getErr := r.Get(ctx, record.DID); getErr == nil {
			return nil, wrapError(ErrRevisionConflict, err, map[string]any{"did": record.DID, "reason": "document exists"})
		}
		return nil, wrapError(ErrInternal, err, map[string]any{"did": record.DID, "op": "create"})
	}

	return record, nil
}

func (r *identities) Update(ctx context.Context, identity *Identity) (*Identity, error) {
	if identity == nil || identity.DID == "" {
		return nil, newError(ErrBadRequest, map[string]any{"reason": "identity did is required"})
	}

	record := identity.Clone()
	expected := record.Rev
	now := r.now()
	record.Rev = NextRevision(expected)
	record.UpdatedAt = &now

	res, err := r.db.NewUpdate().
		Model(record).
		ExcludeColumn("id", "identity_did", "created_at").
		Where("?TableAlias.identity_did = ?", record.DID).
		Where("?TableAlias.rev = ?", expected).
		Exec(ctx)
	if err != nil {
		return nil, wrapError(ErrInternal, err, map[string]any{"did": record.DID, "op": "update"})
	}

	if err := r.checkAffected(ctx, res, record.DID, expected); err != nil {
		return nil, err
	}

	return record, nil
}

func (r *identities) Delete(ctx context.Context, did, rev string) error {
	res, err := r.db.NewDelete().
		Model((*Identity)(nil)).
		Where("identity_did = ?", did).
		Where("rev = ?", rev).
		Exec(ctx)
	if err != nil {
		return wrapError(ErrInternal, err, map[string]any{"did": did, "op": "delete"})
	}

	return r.checkAffected(ctx, res, did, rev)
}

func (r *identities) checkAffected(ctx context.Context, res sql.Result, did, rev string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError(ErrInternal, err, map[string]any{"did": did})
	}
	if affected > 0 {
		return nil
	}

	current, err := r.Get(ctx, did)
	if err != nil {
		return err
	}

	return newError(ErrRevisionConflict, map[string]any{
		"did":      did,
		"expected": rev,
		"current":  current.Rev,
	})
}

// EnsureSchema creates the tables used by the control plane
func EnsureSchema(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*Identity)(nil),
		(*ClaimCode)(nil),
	}

	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return wrapError(ErrInternal, err, map[string]any{"op": "create_table"})
		}
	}
	return nil
}
