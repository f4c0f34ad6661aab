package didauth_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	didauth "github.com/goliatone/go-didauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const adminClaimCode = "LET-ME-IN"

type serviceFixture struct {
	store  *memIdentities
	codes  *mockClaimCodes
	prov   *fakeProvisioner
	tokens *didauth.JWTTokenIssuer
	orch   didauth.ProvisioningOrchestrator
	sink   *recordingSink
	svc    didauth.AuthService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:  newMemIdentities(),
		codes:  &mockClaimCodes{},
		prov:   &fakeProvisioner{},
		tokens: didauth.NewTokenIssuer(signingKey, didauth.WithTokenLogger(nopLogger{})),
		sink:   &recordingSink{},
	}
	f.codes.On("Redeem", mock.Anything, adminClaimCode, mock.Anything).Return(true, nil).Maybe()
	f.codes.On("Redeem", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Maybe()
	f.orch = newTestOrchestrator(f.store, f.prov)
	f.svc = didauth.NewAuthService(f.store, f.tokens, f.codes, f.orch,
		didauth.WithInstanceSecret("instance-secret"),
		didauth.WithServiceActivitySink(f.sink),
		didauth.WithServiceLogger(nopLogger{}),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = f.orch.Drain(ctx)
	})
	return f
}

func registerRequest(key testKey, instanceID, claimCode, name string) didauth.RegisterRequest {
	return didauth.RegisterRequest{
		SignedChallenge: key.challenge(time.Now(), instanceID, claimCode, name, ""),
		InstanceID:      instanceID,
		ClaimCode:       claimCode,
		ProfileName:     name,
	}
}

func (f *serviceFixture) register(t *testing.T, key testKey, claimCode string) *didauth.Identity {
	t.Helper()
	identity, err := f.svc.RegisterIdentity(context.Background(), registerRequest(key, "", claimCode, ""))
	require.NoError(t, err)
	return identity
}

func (f *serviceFixture) withStatus(t *testing.T, did string, status didauth.InstanceStatus) {
	t.Helper()
	doc, err := f.store.Get(context.Background(), did)
	require.NoError(t, err)
	doc.InstanceStatus = status
	f.store.put(doc)
}

func TestRegisterIdentity_AdminClaimCode(t *testing.T) {
	f := newServiceFixture(t)
	key := newTestKey(t)

	identity, err := f.svc.RegisterIdentity(context.Background(), registerRequest(key, "inst-custom", adminClaimCode, "Alice"))
	require.NoError(t, err)

	assert.True(t, identity.IsAdmin)
	assert.Equal(t, "inst-custom", identity.InstanceID)
	assert.Equal(t, didauth.InstanceProvisioning, identity.InstanceStatus)
	require.NotNil(t, identity.ProfileName)
	assert.Equal(t, "Alice", *identity.ProfileName)
	assert.NotEmpty(t, identity.ProvisioningRequestDetails.Nonce)

	require.Len(t, f.prov.started(), 1)
	assert.Contains(t, f.sink.types(), didauth.ActivityEventIdentityRegistered)
	assert.Contains(t, f.sink.types(), didauth.ActivityEventIdentityPromoted)
}

func TestRegisterIdentity_WrongClaimCodeIsIgnored(t *testing.T) {
	f := newServiceFixture(t)
	key := newTestKey(t)

	identity, err := f.svc.RegisterIdentity(context.Background(), registerRequest(key, "", "GUESS", ""))
	require.NoError(t, err)
	assert.False(t, identity.IsAdmin)
	assert.NotContains(t, f.sink.types(), didauth.ActivityEventIdentityPromoted)
}

func TestRegisterIdentity_ClaimCodeRegistryFailure(t *testing.T) {
	f := newServiceFixture(t)
	key := newTestKey(t)
	f.codes.ExpectedCalls = nil
	f.codes.On("Redeem", mock.Anything, "CODE", key.DID).
		Return(false, didauth.ErrInternal.Clone().WithMetadata(map[string]any{"op": "redeem"})).Once()

	_, err := f.svc.RegisterIdentity(context.Background(), registerRequest(key, "", "CODE", ""))
	assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInternal))
	assert.False(t, f.store.has(key.DID))
	assert.Empty(t, f.prov.started())
	f.codes.AssertExpectations(t)
}

func TestRegisterIdentity_DerivesInstanceID(t *testing.T) {
	f := newServiceFixture(t)
	key := newTestKey(t)

	identity := f.register(t, key, "")

	want, err := didauth.DeriveInstanceID("instance-secret", key.DID)
	require.NoError(t, err)
	assert.Equal(t, want, identity.InstanceID)
}

func TestRegisterIdentity_ReRegistration(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)

	f.register(t, key, adminClaimCode)

	t.Run("failed identity is reset and reprovisioned", func(t *testing.T) {
		f.withStatus(t, key.DID, didauth.InstanceFailed)

		identity, err := f.svc.RegisterIdentity(ctx, registerRequest(key, "", "", ""))
		require.NoError(t, err)
		assert.Equal(t, didauth.InstanceProvisioning, identity.InstanceStatus)
		assert.Nil(t, identity.InstanceErrorDetails)
		assert.True(t, identity.IsAdmin, "admin flag survives re-registration")
		assert.Len(t, f.prov.started(), 2)
	})

	t.Run("completed identity with another instance conflicts", func(t *testing.T) {
		f.withStatus(t, key.DID, didauth.InstanceCompleted)

		_, err := f.svc.RegisterIdentity(ctx, registerRequest(key, "inst-other", "", ""))
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeIdentityConflict))
	})

	t.Run("completed identity with the same instance is reset", func(t *testing.T) {
		identity, err := f.svc.RegisterIdentity(ctx, registerRequest(key, "", "", ""))
		require.NoError(t, err)
		assert.Equal(t, didauth.InstanceProvisioning, identity.InstanceStatus)
	})

	t.Run("deletion in progress conflicts", func(t *testing.T) {
		f.withStatus(t, key.DID, didauth.InstanceDeprovisioning)

		_, err := f.svc.RegisterIdentity(ctx, registerRequest(key, "", "", ""))
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeIdentityConflict))
	})
}

func TestRegisterIdentity_StaleScriptExitIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)

	first := f.register(t, key, "")
	require.Equal(t, didauth.InstanceProvisioning, first.InstanceStatus)

	second, err := f.svc.RegisterIdentity(ctx, registerRequest(key, "inst-second", "", ""))
	require.NoError(t, err)
	assert.Equal(t, "inst-second", second.InstanceID)
	assert.NotEqual(t, first.ProvisionCycle(), second.ProvisionCycle())

	specs := f.prov.started()
	require.Len(t, specs, 2)
	assert.Equal(t, first.ProvisionCycle(), specs[0].Cycle)
	assert.Equal(t, second.ProvisionCycle(), specs[1].Cycle)

	// the script from the first registration crashes after being replaced
	f.prov.handle(t, 0).exit(1)
	f.prov.handle(t, 1).exit(0)
	drain(t, f.orch)

	doc, err := f.store.Get(ctx, key.DID)
	require.NoError(t, err)
	assert.Equal(t, didauth.InstanceProvisioning, doc.InstanceStatus)
	assert.Nil(t, doc.InstanceErrorDetails)
}

func TestRegisterIdentity_ChallengeFailures(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)

	t.Run("missing fields", func(t *testing.T) {
		req := registerRequest(key, "", "", "")
		req.Signature = ""
		_, err := f.svc.RegisterIdentity(ctx, req)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeBadRequest))
	})

	t.Run("unsigned extra field", func(t *testing.T) {
		req := registerRequest(key, "", "", "")
		req.ClaimCode = adminClaimCode
		_, err := f.svc.RegisterIdentity(ctx, req)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInvalidSignature))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := time.Now().Add(-time.Hour)
		req := didauth.RegisterRequest{SignedChallenge: key.challenge(old, "", "", "", "")}
		_, err := f.svc.RegisterIdentity(ctx, req)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeStaleTimestamp))
	})

	t.Run("unsupported did", func(t *testing.T) {
		req := registerRequest(key, "", "", "")
		req.DID = "did:example:abc"
		_, err := f.svc.RegisterIdentity(ctx, req)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeUnsupportedDID))
	})

	t.Run("replayed nonce", func(t *testing.T) {
		req := registerRequest(key, "", "", "")
		_, err := f.svc.RegisterIdentity(ctx, req)
		require.NoError(t, err)

		_, err = f.svc.RegisterIdentity(ctx, req)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeNonceReplayed))
	})

	assert.False(t, f.store.has("did:example:abc"))
}

func TestLoginIdentity(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)

	_, err := f.svc.LoginIdentity(ctx, key.challenge(time.Now()))
	assert.True(t, didauth.IsNotFound(err))

	f.register(t, key, adminClaimCode)

	result, err := f.svc.LoginIdentity(ctx, key.challenge(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, key.DID, result.Identity.DID)

	claims, err := f.tokens.VerifyAccess(result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, key.DID, claims.DID())
	assert.True(t, claims.Admin())
	assert.Contains(t, f.sink.types(), didauth.ActivityEventIdentityLogin)

	other := newTestKey(t)
	forged := key.challenge(time.Now())
	forged.Signature = other.challenge(time.Now()).Signature
	_, err = f.svc.LoginIdentity(ctx, forged)
	assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInvalidSignature))
}

func TestRefreshAccessToken(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, err := f.svc.RefreshAccessToken(ctx, "")
	assert.True(t, didauth.HasTextCode(err, didauth.TextCodeUnauthorized))

	issued, err := f.tokens.Issue(ctx, "did:key:zAlice", false)
	require.NoError(t, err)

	rotated, err := f.svc.RefreshAccessToken(ctx, issued.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)

	_, err = f.svc.RefreshAccessToken(ctx, issued.RefreshToken)
	assert.True(t, didauth.HasTextCode(err, didauth.TextCodeRefreshRevoked))
}

func ownerUpdate(key testKey, claimCode string, fields map[string]any) didauth.UpdateRequest {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	c := key.challenge(time.Now(), claimCode, str(didauth.FieldProfileName), str(didauth.FieldProfilePictureURL))
	return didauth.UpdateRequest{
		Fields:    fields,
		Nonce:     c.Nonce,
		Timestamp: c.Timestamp,
		Signature: c.Signature,
		ClaimCode: claimCode,
	}
}

func TestUpdateIdentity_Owner(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)
	f.register(t, key, "")
	owner := didauth.Role{Kind: didauth.RoleOwner, DID: key.DID}

	t.Run("signed profile update", func(t *testing.T) {
		result, err := f.svc.UpdateIdentity(ctx, key.DID, owner, ownerUpdate(key, "", map[string]any{"profileName": "Alice"}))
		require.NoError(t, err)
		require.NotNil(t, result.Identity.ProfileName)
		assert.Equal(t, "Alice", *result.Identity.ProfileName)
		assert.Nil(t, result.Tokens)
	})

	t.Run("unsigned update", func(t *testing.T) {
		_, err := f.svc.UpdateIdentity(ctx, key.DID, owner, didauth.UpdateRequest{Fields: map[string]any{"profileName": "Mallory"}})
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeBadRequest))
	})

	t.Run("signature must cover the new values", func(t *testing.T) {
		req := ownerUpdate(key, "", map[string]any{"profileName": "Alice"})
		req.Fields["profileName"] = "Mallory"
		_, err := f.svc.UpdateIdentity(ctx, key.DID, owner, req)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInvalidSignature))
	})

	t.Run("owner cannot set isAdmin", func(t *testing.T) {
		_, err := f.svc.UpdateIdentity(ctx, key.DID, owner, ownerUpdate(key, "", map[string]any{"isAdmin": true}))
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeFieldNotAllowed))

		doc, err := f.store.Get(ctx, key.DID)
		require.NoError(t, err)
		assert.False(t, doc.IsAdmin)
	})

	t.Run("owner of another identity", func(t *testing.T) {
		other := didauth.Role{Kind: didauth.RoleOwner, DID: "did:key:zSomeoneElse"}
		_, err := f.svc.UpdateIdentity(ctx, key.DID, other, ownerUpdate(key, "", map[string]any{"profileName": "x"}))
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeForbidden))
	})

	t.Run("claim code promotes and reissues tokens", func(t *testing.T) {
		result, err := f.svc.UpdateIdentity(ctx, key.DID, owner, ownerUpdate(key, adminClaimCode, map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.Identity.IsAdmin)
		require.NotNil(t, result.Tokens)

		claims, err := f.tokens.VerifyAccess(result.Tokens.AccessToken)
		require.NoError(t, err)
		assert.True(t, claims.Admin())
	})
}

func TestUpdateIdentity_Internal(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)
	f.register(t, key, "")
	internal := didauth.Role{Kind: didauth.RoleInternal}

	_, err := f.svc.UpdateIdentity(ctx, key.DID, internal, didauth.UpdateRequest{Fields: map[string]any{"profileName": "x"}})
	assert.True(t, didauth.HasTextCode(err, didauth.TextCodeFieldNotAllowed))

	result, err := f.svc.UpdateIdentity(ctx, key.DID, internal, didauth.UpdateRequest{Fields: map[string]any{
		"instanceStatus": "completed",
		"instanceUrl":    "https://alice.example",
	}})
	require.NoError(t, err)
	assert.Equal(t, didauth.InstanceCompleted, result.Identity.InstanceStatus)
	assert.Equal(t, "https://alice.example", *result.Identity.InstanceURL)

	result, err = f.svc.UpdateIdentity(ctx, key.DID, internal, didauth.UpdateRequest{Fields: map[string]any{
		"instanceUrl": "https://alice-2.example",
	}})
	require.NoError(t, err)
	assert.Equal(t, didauth.InstanceCompleted, result.Identity.InstanceStatus)
	assert.Equal(t, "https://alice-2.example", *result.Identity.InstanceURL)

	_, err = f.svc.UpdateIdentity(ctx, "did:key:zNobody", internal, didauth.UpdateRequest{Fields: map[string]any{"instanceStatus": "failed"}})
	assert.True(t, didauth.IsNotFound(err))
}

func TestUpdateIdentity_AdminForcesStatus(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	key := newTestKey(t)
	f.register(t, key, "")
	admin := didauth.Role{Kind: didauth.RoleAdmin, DID: "did:key:zAdmin"}

	result, err := f.svc.UpdateIdentity(ctx, key.DID, admin, didauth.UpdateRequest{Fields: map[string]any{
		"instanceStatus":       "failed",
		"instanceErrorDetails": "manual reset",
		"isAdmin":              true,
		"tier":                 "pro",
	}})
	require.NoError(t, err)
	assert.Equal(t, didauth.InstanceFailed, result.Identity.InstanceStatus)
	assert.Equal(t, "manual reset", *result.Identity.InstanceErrorDetails)
	assert.True(t, result.Identity.IsAdmin)
	assert.Equal(t, "pro", result.Identity.Tier)
	assert.Nil(t, result.Tokens)
	assert.Contains(t, f.sink.types(), didauth.ActivityEventInstanceStatusChanged)
}

func TestUpdateIdentity_AdminStatusStaysOnGraph(t *testing.T) {
	ctx := context.Background()
	admin := didauth.Role{Kind: didauth.RoleAdmin, DID: "did:key:zAdmin"}
	force := func(status string) didauth.UpdateRequest {
		return didauth.UpdateRequest{Fields: map[string]any{"instanceStatus": status}}
	}

	t.Run("deprovisioning is not forced", func(t *testing.T) {
		f := newServiceFixture(t)
		key := newTestKey(t)
		f.register(t, key, "")
		f.withStatus(t, key.DID, didauth.InstanceCompleted)

		_, err := f.svc.UpdateIdentity(ctx, key.DID, admin, force("deprovisioning"))
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInvalidTransition))
		assert.Equal(t, didauth.InstanceCompleted, f.store.status(t, key.DID))
		assert.Len(t, f.prov.started(), 1, "no deprovision script is spawned")
	})

	t.Run("off graph edge is rejected", func(t *testing.T) {
		f := newServiceFixture(t)
		key := newTestKey(t)
		f.register(t, key, "")
		f.withStatus(t, key.DID, didauth.InstanceDeprovisioning)

		_, err := f.svc.UpdateIdentity(ctx, key.DID, admin, force("provisioning"))
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInvalidTransition))
		assert.Equal(t, didauth.InstanceDeprovisioning, f.store.status(t, key.DID))
	})

	t.Run("profile fields are not written with a rejected status", func(t *testing.T) {
		f := newServiceFixture(t)
		key := newTestKey(t)
		f.register(t, key, "")
		f.withStatus(t, key.DID, didauth.InstanceDeprovisioning)

		_, err := f.svc.UpdateIdentity(ctx, key.DID, admin, didauth.UpdateRequest{Fields: map[string]any{
			"instanceStatus": "completed",
			"tier":           "pro",
		}})
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeInvalidTransition))

		doc, err := f.store.Get(ctx, key.DID)
		require.NoError(t, err)
		assert.NotEqual(t, "pro", doc.Tier)
	})

	t.Run("on graph edge is accepted", func(t *testing.T) {
		f := newServiceFixture(t)
		key := newTestKey(t)
		f.register(t, key, "")
		f.withStatus(t, key.DID, didauth.InstanceCompleted)

		result, err := f.svc.UpdateIdentity(ctx, key.DID, admin, force("pending"))
		require.NoError(t, err)
		assert.Equal(t, didauth.InstancePending, result.Identity.InstanceStatus)
	})
}

func TestDeleteIdentity(t *testing.T) {
	ctx := context.Background()

	t.Run("without instance is deleted synchronously", func(t *testing.T) {
		f := newServiceFixture(t)
		f.store.put(didauth.NewIdentity("did:key:zAlice", "", time.Now()))

		result, err := f.svc.DeleteIdentity(ctx, "did:key:zAlice", didauth.Role{Kind: didauth.RoleOwner, DID: "did:key:zAlice"})
		require.NoError(t, err)
		assert.False(t, result.Accepted)
		assert.False(t, f.store.has("did:key:zAlice"))
		assert.Contains(t, f.sink.types(), didauth.ActivityEventIdentityDeleted)
		assert.Empty(t, f.prov.started())
	})

	t.Run("with instance is handed to deprovisioning", func(t *testing.T) {
		f := newServiceFixture(t)
		key := newTestKey(t)
		f.register(t, key, "")
		f.withStatus(t, key.DID, didauth.InstanceCompleted)

		issued, err := f.tokens.Issue(ctx, key.DID, false)
		require.NoError(t, err)

		result, err := f.svc.DeleteIdentity(ctx, key.DID, didauth.Role{Kind: didauth.RoleAdmin, DID: "did:key:zAdmin"})
		require.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Equal(t, didauth.InstanceDeprovisioning, result.Identity.InstanceStatus)
		assert.True(t, f.store.has(key.DID))

		specs := f.prov.started()
		require.Len(t, specs, 2)
		assert.Equal(t, didauth.PhaseDeprovision, specs[1].Phase)

		_, err = f.svc.RefreshAccessToken(ctx, issued.RefreshToken)
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeRefreshRevoked), "deleting revokes refresh tokens")

		removed, err := f.svc.FinalizeDeletion(ctx, key.DID, true, "")
		require.NoError(t, err)
		assert.Equal(t, didauth.InstanceRemoved, removed.InstanceStatus)
		assert.False(t, f.store.has(key.DID))
		assert.Contains(t, f.sink.types(), didauth.ActivityEventIdentityDeleted)
	})

	t.Run("other owners are forbidden", func(t *testing.T) {
		f := newServiceFixture(t)
		f.store.put(didauth.NewIdentity("did:key:zAlice", "", time.Now()))

		_, err := f.svc.DeleteIdentity(ctx, "did:key:zAlice", didauth.Role{Kind: didauth.RoleOwner, DID: "did:key:zBob"})
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeForbidden))

		_, err = f.svc.DeleteIdentity(ctx, "did:key:zAlice", didauth.Role{Kind: didauth.RoleInternal})
		assert.True(t, didauth.HasTextCode(err, didauth.TextCodeForbidden))
		assert.True(t, f.store.has("did:key:zAlice"))
	})

	t.Run("unknown identity", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.svc.DeleteIdentity(ctx, "did:key:zNobody", didauth.Role{Kind: didauth.RoleAdmin})
		assert.True(t, didauth.IsNotFound(err))
	})
}

func TestIdentityStatusAndQueries(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	for i, status := range []didauth.InstanceStatus{didauth.InstancePending, didauth.InstanceCompleted} {
		doc := didauth.NewIdentity("did:key:z"+strconv.Itoa(i), "inst", time.Now())
		doc.InstanceStatus = status
		f.store.put(doc)
	}

	view, err := f.svc.IdentityStatus(ctx, "did:key:z0")
	require.NoError(t, err)
	assert.False(t, view.IsActive)
	assert.Equal(t, didauth.InstancePending, view.InstanceStatus)

	view, err = f.svc.IdentityStatus(ctx, "did:key:z1")
	require.NoError(t, err)
	assert.True(t, view.IsActive)

	_, err = f.svc.IdentityStatus(ctx, "did:key:zNobody")
	assert.True(t, didauth.IsNotFound(err))

	list, err := f.svc.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := f.svc.GetIdentity(ctx, "did:key:z1")
	require.NoError(t, err)
	assert.Equal(t, didauth.InstanceCompleted, got.InstanceStatus)
}
