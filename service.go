package didauth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SignedChallenge is the proof of key possession sent with register, login
// and owner updates
type SignedChallenge struct {
	DID       string
	Nonce     string
	Timestamp string
	Signature string
}

// RegisterRequest creates or re-provisions an identity
type RegisterRequest struct {
	SignedChallenge
	InstanceID        string
	ClaimCode         string
	ProfileName       string
	ProfilePictureURL string
}

// signedFields is the order the client signs the register extras in
func (r RegisterRequest) signedFields() []string {
	return []string{r.InstanceID, r.ClaimCode, r.ProfileName, r.ProfilePictureURL}
}

// UpdateRequest is a raw, role-scoped identity update. Owners must sign
// claimCode, profileName and profilePictureUrl in that order.
type UpdateRequest struct {
	Fields    map[string]any
	Nonce     string
	Timestamp string
	Signature string
	ClaimCode string
}

func (r UpdateRequest) signedFields() []string {
	str := func(key string) string {
		if s, ok := r.Fields[key].(string); ok {
			return s
		}
		return ""
	}
	return []string{r.ClaimCode, str(FieldProfileName), str(FieldProfilePictureURL)}
}

// LoginResult is returned by LoginIdentity
type LoginResult struct {
	Identity *Identity
	Tokens   *TokenDetails
}

// UpdateResult carries fresh tokens only when the update promoted the
// caller to admin
type UpdateResult struct {
	Identity *Identity
	Tokens   *TokenDetails
}

// DeleteResult tells whether a deletion finished or was handed to the
// deprovision script
type DeleteResult struct {
	Accepted bool
	Identity *Identity
}

// IdentityStatusView is the public status projection
type IdentityStatusView struct {
	IsActive       bool           `json:"isActive"`
	InstanceStatus InstanceStatus `json:"instanceStatus"`
}

// AuthService is the public contract of the control plane core
type AuthService interface {
	RegisterIdentity(ctx context.Context, req RegisterRequest) (*Identity, error)
	LoginIdentity(ctx context.Context, challenge SignedChallenge) (*LoginResult, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenDetails, error)
	UpdateIdentity(ctx context.Context, did string, role Role, req UpdateRequest) (*UpdateResult, error)
	DeleteIdentity(ctx context.Context, did string, role Role) (*DeleteResult, error)
	GetIdentity(ctx context.Context, did string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)
	IdentityStatus(ctx context.Context, did string) (*IdentityStatusView, error)
	FinalizeDeletion(ctx context.Context, did string, success bool, errorDetails string) (*Identity, error)
	TokenIssuer() TokenIssuer
}

// ServiceOption customizes the auth service
type ServiceOption func(*authService)

// WithSignatureVerifier overrides the Ed25519 verifier
func WithSignatureVerifier(v SignatureVerifier) ServiceOption {
	return func(s *authService) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithNonceStore sets the store used to reject replayed nonces
func WithNonceStore(store NonceStore) ServiceOption {
	return func(s *authService) {
		s.nonces = store
	}
}

// WithFreshnessWindow overrides how far a signed timestamp may drift
func WithFreshnessWindow(window time.Duration) ServiceOption {
	return func(s *authService) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithInstanceSecret sets the key used to derive missing instance ids
func WithInstanceSecret(secret string) ServiceOption {
	return func(s *authService) {
		s.instanceSecret = secret
	}
}

// WithServiceActivitySink sets the ActivitySink used for audit events
func WithServiceActivitySink(sink ActivitySink) ServiceOption {
	return func(s *authService) {
		s.activitySink = normalizeActivitySink(sink)
	}
}

// WithServiceClock injects a custom clock (useful for tests)
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *authService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithServiceLogger overrides the logger
func WithServiceLogger(logger Logger) ServiceOption {
	return func(s *authService) {
		s.logger = normalizeLogger(logger)
	}
}

type authService struct {
	store          Identities
	tokens         TokenIssuer
	claimCodes     ClaimCodeRegistry
	orchestrator   ProvisioningOrchestrator
	verifier       SignatureVerifier
	nonces         NonceStore
	window         time.Duration
	instanceSecret string
	activitySink   ActivitySink
	now            func() time.Time
	logger         Logger
}

// NewAuthService wires the control plane. Without a NonceStore an in-process
// one is used so replay protection is always on.
func NewAuthService(store Identities, tokens TokenIssuer, claimCodes ClaimCodeRegistry, orchestrator ProvisioningOrchestrator, opts ...ServiceOption) AuthService {
	s := &authService{
		store:        store,
		tokens:       tokens,
		claimCodes:   claimCodes,
		orchestrator: orchestrator,
		verifier:     Ed25519Verifier{},
		window:       DefaultFreshnessWindow,
		activitySink: noopActivitySink{},
		now:          time.Now,
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.nonces == nil {
		s.nonces = NewMemoryStore(time.Minute)
	}

	return s
}

func (s *authService) TokenIssuer() TokenIssuer {
	return s.tokens
}

// verifyChallenge checks a signed challenge: shape, freshness, signature and
// finally nonce replay. The nonce is only burned once the signature holds so
// a forged request cannot consume someone else's nonce.
func (s *authService) verifyChallenge(ctx context.Context, c SignedChallenge, extra ...string) error {
	if c.DID == "" || c.Nonce == "" || c.Timestamp == "" || c.Signature == "" {
		return newError(ErrBadRequest, map[string]any{"reason": "did, nonce, timestamp and signature are required"})
	}

	if _, err := PublicKeyFromDID(c.DID); err != nil {
		return err
	}

	if err := CheckFreshness(c.Timestamp, s.now(), s.window); err != nil {
		return err
	}

	if !s.verifier.Verify(c.DID, c.Nonce, c.Timestamp, c.Signature, extra...) {
		return newError(ErrInvalidSignature, map[string]any{"did": c.DID})
	}

	fresh, err := s.nonces.Use(ctx, c.DID, c.Nonce, 2*s.window)
	if err != nil {
		return wrapError(ErrInternal, err, map[string]any{"reason": "nonce store"})
	}
	if !fresh {
		return newError(ErrNonceReplayed, map[string]any{"did": c.DID})
	}

	return nil
}

func (s *authService) RegisterIdentity(ctx context.Context, req RegisterRequest) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "AuthService.RegisterIdentity")
	defer span.End()
	span.SetAttributes(attribute.String("did", req.DID))

	if err := s.verifyChallenge(ctx, req.SignedChallenge, req.signedFields()...); err != nil {
		return nil, s.fail(span, err)
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		derived, err := DeriveInstanceID(s.instanceSecret, req.DID)
		if err != nil {
			return nil, s.fail(span, err)
		}
		instanceID = derived
	}

	promoted, err := s.claimCodes.Redeem(ctx, req.ClaimCode, req.DID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	audit := ProvisioningRequestDetails{Nonce: req.Nonce, Timestamp: req.Timestamp}

	saved, err := s.upsertPending(ctx, req, instanceID, promoted, audit)
	if err != nil {
		return nil, s.fail(span, err)
	}

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType:   ActivityEventIdentityRegistered,
		Actor:       ActorRef{Type: ActorTypeIdentity, ID: req.DID},
		IdentityDID: req.DID,
		ToStatus:    InstancePending,
		Metadata:    map[string]any{"instance_id": instanceID},
	})
	if promoted {
		s.promoted(ctx, req.DID)
	}

	provisioned, err := s.orchestrator.Provision(ctx, saved)
	if err != nil {
		// the identity is stored, provisioning problems surface through status
		s.logger.Error("provisioning %s: %v", req.DID, err)
		span.RecordError(err)
		return saved, nil
	}
	return provisioned, nil
}

// upsertPending creates the identity or resets an existing one to pending
func (s *authService) upsertPending(ctx context.Context, req RegisterRequest, instanceID string, promoted bool, audit ProvisioningRequestDetails) (*Identity, error) {
	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		now := s.now()
		existing, err := s.store.Get(ctx, req.DID)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}

		if existing == nil {
			identity := NewIdentity(req.DID, instanceID, now)
			identity.IsAdmin = promoted
			identity.ProfileName = optionalString(req.ProfileName)
			identity.ProfilePictureURL = optionalString(req.ProfilePictureURL)
			identity.ProvisioningRequestDetails = audit

			created, err := s.store.Create(ctx, identity)
			if err != nil {
				if IsRevisionConflict(err) {
					lastErr = err
					continue
				}
				return nil, err
			}
			return created, nil
		}

		if deprovisioningFamily(existing.InstanceStatus) {
			return nil, newError(ErrIdentityConflict, map[string]any{
				"did":    req.DID,
				"reason": "deletion in progress",
			})
		}
		if existing.InstanceStatus == InstanceCompleted && existing.InstanceID != instanceID {
			return nil, newError(ErrIdentityConflict, map[string]any{
				"did":         req.DID,
				"instance_id": existing.InstanceID,
			})
		}

		updated := existing.Clone()
		updated.InstanceID = instanceID
		updated.ProvisioningRequestDetails = audit
		updated.InstanceCreatedAt = now
		applyInstanceStatus(updated, InstancePending, "", "", now)
		if promoted {
			updated.IsAdmin = true
		}
		if req.ProfileName != "" {
			updated.ProfileName = stringPtr(req.ProfileName)
		}
		if req.ProfilePictureURL != "" {
			updated.ProfilePictureURL = stringPtr(req.ProfilePictureURL)
		}

		saved, err := s.store.Update(ctx, updated)
		if err != nil {
			if IsRevisionConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return saved, nil
	}
	return nil, lastErr
}

func (s *authService) LoginIdentity(ctx context.Context, challenge SignedChallenge) (*LoginResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.LoginIdentity")
	defer span.End()
	span.SetAttributes(attribute.String("did", challenge.DID))

	if err := s.verifyChallenge(ctx, challenge); err != nil {
		return nil, s.fail(span, err)
	}

	identity, err := s.store.Get(ctx, challenge.DID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	tokens, err := s.tokens.Issue(ctx, identity.DID, identity.IsAdmin)
	if err != nil {
		return nil, s.fail(span, err)
	}

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType:   ActivityEventIdentityLogin,
		Actor:       ActorRef{Type: ActorTypeIdentity, ID: identity.DID},
		IdentityDID: identity.DID,
	})

	return &LoginResult{Identity: identity, Tokens: tokens}, nil
}

func (s *authService) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenDetails, error) {
	ctx, span := tracer.Start(ctx, "AuthService.RefreshAccessToken")
	defer span.End()

	if refreshToken == "" {
		return nil, s.fail(span, newError(ErrUnauthorized, map[string]any{"reason": "refresh token is required"}))
	}

	tokens, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryAuth {
			return nil, s.fail(span, err)
		}
		return nil, s.fail(span, wrapError(ErrUnauthorized, err, nil))
	}
	return tokens, nil
}

func (s *authService) UpdateIdentity(ctx context.Context, did string, role Role, req UpdateRequest) (*UpdateResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.UpdateIdentity")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.String("role", string(role.Kind)))

	if role.Kind == RoleOwner && role.DID != did {
		return nil, s.fail(span, newError(ErrForbidden, map[string]any{"did": did}))
	}

	update, err := FilterUpdate(role, req.Fields)
	if err != nil {
		return nil, s.fail(span, err)
	}

	current, err := s.store.Get(ctx, did)
	if err != nil {
		return nil, s.fail(span, err)
	}

	if role.Kind == RoleOwner {
		challenge := SignedChallenge{DID: did, Nonce: req.Nonce, Timestamp: req.Timestamp, Signature: req.Signature}
		if err := s.verifyChallenge(ctx, challenge, req.signedFields()...); err != nil {
			return nil, s.fail(span, err)
		}
	}

	if role.Kind == RoleInternal {
		identity, err := s.internalUpdate(ctx, did, update)
		if err != nil {
			return nil, s.fail(span, err)
		}
		return &UpdateResult{Identity: identity}, nil
	}

	promote := false
	if role.Kind == RoleOwner && req.ClaimCode != "" && !current.IsAdmin {
		if promote, err = s.claimCodes.Redeem(ctx, req.ClaimCode, did); err != nil {
			return nil, s.fail(span, err)
		}
	}

	if update.IsEmpty() && !promote {
		return &UpdateResult{Identity: current}, nil
	}

	identity, from, err := s.writeUpdate(ctx, did, func(identity *Identity) error {
		if update.InstanceStatus != nil {
			if err := checkForcedStatus(did, identity.InstanceStatus, *update.InstanceStatus); err != nil {
				return err
			}
		}
		update.applyProfile(identity)
		if promote {
			identity.IsAdmin = true
		}
		if update.InstanceStatus != nil || update.InstanceURL != nil || update.InstanceErrorDetails != nil {
			status := identity.InstanceStatus
			if update.InstanceStatus != nil {
				status = *update.InstanceStatus
			}
			applyInstanceStatus(identity, status, derefString(update.InstanceURL), derefString(update.InstanceErrorDetails), s.now())
			overrideInstanceDetails(identity, update)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType:   ActivityEventIdentityUpdated,
		Actor:       role.Actor(),
		IdentityDID: did,
	})
	if from != identity.InstanceStatus {
		recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
			EventType:   ActivityEventInstanceStatusChanged,
			Actor:       role.Actor(),
			IdentityDID: did,
			FromStatus:  from,
			ToStatus:    identity.InstanceStatus,
			Metadata:    map[string]any{"forced": true},
		})
	}

	result := &UpdateResult{Identity: identity}
	if promote {
		s.promoted(ctx, did)
		if result.Tokens, err = s.tokens.Issue(ctx, did, true); err != nil {
			return nil, s.fail(span, err)
		}
	}
	return result, nil
}

// checkForcedStatus keeps admin overrides on the lifecycle graph. Deletion
// states are owned by DeleteIdentity and the deprovision script.
func checkForcedStatus(did string, from, to InstanceStatus) error {
	if from == to {
		return nil
	}
	if to == InstanceDeprovisioning || to == InstanceRemoved {
		return newError(ErrInvalidTransition, map[string]any{
			"did":    did,
			"from":   from,
			"to":     to,
			"reason": "deletion is started through DeleteIdentity",
		})
	}
	if !CanTransition(from, to) {
		return newError(ErrInvalidTransition, map[string]any{
			"did":  did,
			"from": from,
			"to":   to,
		})
	}
	return nil
}

// overrideInstanceDetails lets an admin set or clear url and error details
// explicitly, after the status side effects ran
func overrideInstanceDetails(identity *Identity, update IdentityUpdate) {
	if update.InstanceURL != nil {
		identity.InstanceURL = optionalString(*update.InstanceURL)
	}
	if update.InstanceErrorDetails != nil {
		identity.InstanceErrorDetails = optionalString(*update.InstanceErrorDetails)
	}
}

// internalUpdate routes status reports from the provisioning script through
// the reconcile table so a late report cannot clobber a newer state
func (s *authService) internalUpdate(ctx context.Context, did string, update IdentityUpdate) (*Identity, error) {
	if update.InstanceStatus != nil {
		return s.orchestrator.HandleCallback(ctx, did, *update.InstanceStatus,
			derefString(update.InstanceURL), derefString(update.InstanceErrorDetails))
	}

	identity, _, err := s.writeUpdate(ctx, did, func(identity *Identity) error {
		overrideInstanceDetails(identity, update)
		identity.InstanceUpdatedAt = s.now()
		return nil
	})
	return identity, err
}

// writeUpdate is a revision-checked read-modify-write with retries
func (s *authService) writeUpdate(ctx context.Context, did string, mutate func(*Identity) error) (*Identity, InstanceStatus, error) {
	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		current, err := s.store.Get(ctx, did)
		if err != nil {
			return nil, "", err
		}

		updated := current.Clone()
		if err := mutate(updated); err != nil {
			return nil, "", err
		}

		saved, err := s.store.Update(ctx, updated)
		if err != nil {
			if IsRevisionConflict(err) {
				lastErr = err
				continue
			}
			return nil, "", err
		}
		return saved, current.InstanceStatus, nil
	}
	return nil, "", lastErr
}

func (s *authService) DeleteIdentity(ctx context.Context, did string, role Role) (*DeleteResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.DeleteIdentity")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.String("role", string(role.Kind)))

	switch {
	case role.Kind == RoleAdmin:
	case role.Kind == RoleOwner && role.DID == did:
	default:
		return nil, s.fail(span, newError(ErrForbidden, map[string]any{"did": did}))
	}

	identity, err := s.store.Get(ctx, did)
	if err != nil {
		return nil, s.fail(span, err)
	}

	if err := s.tokens.Revoke(ctx, did); err != nil {
		s.logger.Warn("revoking refresh tokens of %s: %v", did, err)
	}

	if identity.HasInstance() {
		marked, err := s.orchestrator.Deprovision(ctx, identity)
		if err != nil {
			return nil, s.fail(span, err)
		}
		return &DeleteResult{Accepted: true, Identity: marked}, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if attempt > 0 {
			if identity, err = s.store.Get(ctx, did); err != nil {
				return nil, s.fail(span, err)
			}
		}
		lastErr = s.store.Delete(ctx, did, identity.Rev)
		if lastErr == nil || !IsRevisionConflict(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return nil, s.fail(span, lastErr)
	}

	s.deleted(ctx, role.Actor(), did)
	return &DeleteResult{Accepted: false}, nil
}

func (s *authService) GetIdentity(ctx context.Context, did string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "AuthService.GetIdentity")
	defer span.End()

	identity, err := s.store.Get(ctx, did)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return identity, nil
}

func (s *authService) ListIdentities(ctx context.Context) ([]*Identity, error) {
	ctx, span := tracer.Start(ctx, "AuthService.ListIdentities")
	defer span.End()

	identities, err := s.store.List(ctx)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return identities, nil
}

func (s *authService) IdentityStatus(ctx context.Context, did string) (*IdentityStatusView, error) {
	ctx, span := tracer.Start(ctx, "AuthService.IdentityStatus")
	defer span.End()

	identity, err := s.store.Get(ctx, did)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return &IdentityStatusView{
		IsActive:       identity.IsActive(),
		InstanceStatus: identity.InstanceStatus,
	}, nil
}

func (s *authService) FinalizeDeletion(ctx context.Context, did string, success bool, errorDetails string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "AuthService.FinalizeDeletion")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.Bool("success", success))

	identity, err := s.orchestrator.FinalizeDeletion(ctx, did, success, errorDetails)
	if err != nil {
		return nil, s.fail(span, err)
	}

	if identity.InstanceStatus == InstanceRemoved {
		s.deleted(ctx, ActorRef{Type: ActorTypeInternal, ID: "callback"}, did)
	}
	return identity, nil
}

func (s *authService) promoted(ctx context.Context, did string) {
	s.logger.Info("identity %s promoted to admin", did)
	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType:   ActivityEventIdentityPromoted,
		Actor:       ActorRef{Type: ActorTypeIdentity, ID: did},
		IdentityDID: did,
		Metadata:    map[string]any{"claim_code": ClaimCodeInitialAdmin},
	})
}

func (s *authService) deleted(ctx context.Context, actor ActorRef, did string) {
	recordActivity(ctx, s.activitySink, s.logger, s.now, ActivityEvent{
		EventType:   ActivityEventIdentityDeleted,
		Actor:       actor,
		IdentityDID: did,
		ToStatus:    InstanceRemoved,
	})
}

func (s *authService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	return err
}
