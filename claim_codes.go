package didauth

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

// ClaimCodeRegistry validates admin claim codes against the configured
// bootstrap code
type ClaimCodeRegistry interface {
	Bootstrap(ctx context.Context) error
	Redeem(ctx context.Context, code, did string) (bool, error)
}

// ClaimCodeOption customizes the claim code registry
type ClaimCodeOption func(*claimCodeRegistry)

// WithClaimCodeReusable keeps the bootstrap code redeemable by any number of
// identities instead of spending it on first use
func WithClaimCodeReusable(reusable bool) ClaimCodeOption {
	return func(r *claimCodeRegistry) {
		r.reusable = reusable
	}
}

// WithClaimCodeClock injects a custom clock (useful for tests)
func WithClaimCodeClock(clock func() time.Time) ClaimCodeOption {
	return func(r *claimCodeRegistry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithClaimCodeLogger overrides the logger
func WithClaimCodeLogger(logger Logger) ClaimCodeOption {
	return func(r *claimCodeRegistry) {
		r.logger = normalizeLogger(logger)
	}
}

type claimCodeRegistry struct {
	mu       sync.Mutex
	repo     ClaimCodes
	code     string
	reusable bool
	now      func() time.Time
	logger   Logger
}

// NewClaimCodeRegistry returns a registry for the configured bootstrap code.
// An empty code disables admin promotion without being an error.
func NewClaimCodeRegistry(repo ClaimCodes, code string, opts ...ClaimCodeOption) ClaimCodeRegistry {
	r := &claimCodeRegistry{
		repo:   repo,
		code:   code,
		now:    time.Now,
		logger: defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Bootstrap makes sure the INITIAL_ADMIN record exists and matches the
// configured code. Running it repeatedly is safe.
func (r *claimCodeRegistry) Bootstrap(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.ensureRecord(ctx)
	return err
}

func (r *claimCodeRegistry) ensureRecord(ctx context.Context) (*ClaimCode, error) {
	if r.code == "" {
		r.logger.Info("no admin claim code configured, admin promotion disabled")
		return nil, nil
	}

	record, err := r.repo.Find(ctx, ClaimCodeInitialAdmin)
	if err != nil {
		return nil, err
	}

	if record == nil {
		hash, err := HashClaimCode(r.code)
		if err != nil {
			return nil, err
		}
		record, err = r.repo.Create(ctx, &ClaimCode{
			ID:       ClaimCodeRecordID(ClaimCodeInitialAdmin),
			Name:     ClaimCodeInitialAdmin,
			CodeHash: hash,
		})
		if err != nil {
			return nil, err
		}
		r.logger.Info("bootstrap admin claim code created: %s", ClaimCodeInitialAdmin)
		return record, nil
	}

	if matches, _ := CompareClaimCode(r.code, record.CodeHash); matches {
		return record, nil
	}

	// configured code was rotated, re-arm the record
	hash, err := HashClaimCode(r.code)
	if err != nil {
		return nil, err
	}
	record.CodeHash = hash
	record.SpentAt = nil
	record.ForDID = nil
	if record, err = r.repo.Update(ctx, record); err != nil {
		return nil, err
	}
	r.logger.Info("bootstrap admin claim code rotated: %s", ClaimCodeInitialAdmin)
	return record, nil
}

// Redeem reports whether code promotes did to admin. A wrong code is not an
// error: it is logged and ignored so callers cannot probe for valid codes.
func (r *claimCodeRegistry) Redeem(ctx context.Context, code, did string) (bool, error) {
	if code == "" {
		return false, nil
	}

	if r.code == "" {
		r.logger.Info("claim code presented by %s but none configured, ignoring", did)
		return false, nil
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(r.code)) != 1 {
		r.logger.Info("invalid claim code presented by %s, ignoring", did)
		return false, nil
	}

	if r.reusable {
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.ensureRecord(ctx)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}

	now := r.now()
	if record.IsExpired(now) {
		r.logger.Info("expired claim code presented by %s, ignoring", did)
		return false, nil
	}

	if record.IsSpent() {
		if derefString(record.ForDID) == did {
			return true, nil
		}
		r.logger.Info("spent claim code presented by %s, ignoring", did)
		return false, nil
	}

	record.SpentAt = &now
	record.ForDID = stringPtr(did)
	if _, err := r.repo.Update(ctx, record); err != nil {
		return false, err
	}

	r.logger.Info("claim code %s redeemed by %s", record.Name, did)
	return true, nil
}
