package didauth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Identities() Identities
	ClaimCodes() ClaimCodes
}

type mngr struct {
	db         *bun.DB
	identities Identities
	claimCodes ClaimCodes
}

// NewRepositoryManager builds the bun backed repositories
func NewRepositoryManager(db *bun.DB, opts ...IdentitiesOption) RepositoryManager {
	return &mngr{
		db:         db,
		identities: NewIdentitiesRepository(db, opts...),
		claimCodes: NewClaimCodesRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.identities == nil {
		return errors.New("repository identities should be initialized")
	}

	if m.claimCodes == nil {
		return errors.New("repository claimCodes should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Identities() Identities {
	return m.identities
}

func (m mngr) ClaimCodes() ClaimCodes {
	return m.claimCodes
}
