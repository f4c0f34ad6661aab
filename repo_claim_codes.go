package didauth

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ClaimCodes persists claim code records
type ClaimCodes interface {
	Find(ctx context.Context, name string) (*ClaimCode, error)
	Create(ctx context.Context, record *ClaimCode) (*ClaimCode, error)
	Update(ctx context.Context, record *ClaimCode) (*ClaimCode, error)
}

type claimCodes struct {
	repository.Repository[*ClaimCode]
}

var _ ClaimCodes = (*claimCodes)(nil)

// NewClaimCodesRepository returns a bun backed claim code store
func NewClaimCodesRepository(db *bun.DB) ClaimCodes {
	repo := repository.NewRepository[*ClaimCode](db, repository.ModelHandlers[*ClaimCode]{
		NewRecord: func() *ClaimCode { return &ClaimCode{} },
		GetID: func(c *ClaimCode) uuid.UUID {
			if c == nil {
				return uuid.Nil
			}
			return c.ID
		},
		SetID: func(c *ClaimCode, id uuid.UUID) {
			if c != nil {
				c.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	})

	return &claimCodes{Repository: repo}
}

func (r *claimCodes) Find(ctx context.Context, name string) (*ClaimCode, error) {
	record, err := r.Repository.GetByIdentifier(ctx, name)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, wrapError(ErrInternal, err, map[string]any{"claim_code": name, "op": "find"})
	}
	return record, nil
}

func (r *claimCodes) Create(ctx context.Context, record *ClaimCode) (*ClaimCode, error) {
	if record.ID == uuid.Nil {
		record.ID = ClaimCodeRecordID(record.Name)
	}
	created, err := r.Repository.Create(ctx, record)
	if err != nil {
		return nil, wrapError(ErrInternal, err, map[string]any{"claim_code": record.Name, "op": "create"})
	}
	return created, nil
}

func (r *claimCodes) Update(ctx context.Context, record *ClaimCode) (*ClaimCode, error) {
	updated, err := r.Repository.Update(ctx, record, repository.UpdateByID(record.ID.String()))
	if err != nil {
		return nil, wrapError(ErrInternal, err, map[string]any{"claim_code": record.Name, "op": "update"})
	}
	return updated, nil
}

// ClaimCodeRecordID is the fixed id of a named claim code singleton
func ClaimCodeRecordID(name string) uuid.UUID {
	if id, err := hashid.NewUUID("claim-code:" + name); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
