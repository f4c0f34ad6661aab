package didauth_test

import (
	"testing"
	"time"

	didauth "github.com/goliatone/go-didauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceStatusHelpers(t *testing.T) {
	cases := []struct {
		status   didauth.InstanceStatus
		valid    bool
		terminal bool
	}{
		{status: didauth.InstancePending, valid: true},
		{status: didauth.InstanceProvisioning, valid: true},
		{status: didauth.InstanceCompleted, valid: true, terminal: true},
		{status: didauth.InstanceFailed, valid: true, terminal: true},
		{status: didauth.InstanceDeprovisioning, valid: true},
		{status: didauth.InstanceFailedDeprovision, valid: true, terminal: true},
		{status: didauth.InstanceRemoved},
		{status: "archived"},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.status.IsValid())
			assert.Equal(t, tc.terminal, tc.status.IsTerminal())

			parsed, ok := didauth.ParseInstanceStatus(string(tc.status))
			assert.Equal(t, tc.valid, ok)
			assert.Equal(t, tc.status, parsed)
		})
	}
}

func TestNewIdentity(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := didauth.NewIdentity("did:key:zAlice", "inst-1", now)

	assert.Equal(t, didauth.InstancePending, identity.InstanceStatus)
	assert.Equal(t, now, identity.InstanceCreatedAt)
	assert.Equal(t, now, identity.InstanceUpdatedAt)
	assert.False(t, identity.IsAdmin)
	assert.False(t, identity.IsActive())
	assert.True(t, identity.HasInstance())
	assert.Equal(t, didauth.IdentityRecordID("did:key:zAlice"), identity.ID)

	assert.False(t, didauth.NewIdentity("did:key:zBob", "", now).HasInstance())
}

func TestIdentityRecordIDIsStable(t *testing.T) {
	a := didauth.IdentityRecordID("did:key:zAlice")
	assert.Equal(t, a, didauth.IdentityRecordID("did:key:zAlice"))
	assert.NotEqual(t, a, didauth.IdentityRecordID("did:key:zBob"))
}

func TestIdentityClone(t *testing.T) {
	name := "Alice"
	url := "https://alice.example"
	created := time.Now()
	original := didauth.NewIdentity("did:key:zAlice", "inst-1", created)
	original.ProfileName = &name
	original.InstanceURL = &url
	original.CreatedAt = &created

	clone := original.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, original, clone)

	*clone.ProfileName = "Mallory"
	*clone.InstanceURL = "https://evil.example"
	*clone.CreatedAt = created.Add(time.Hour)

	assert.Equal(t, "Alice", *original.ProfileName)
	assert.Equal(t, "https://alice.example", *original.InstanceURL)
	assert.Equal(t, created, *original.CreatedAt)

	var missing *didauth.Identity
	assert.Nil(t, missing.Clone())
	assert.False(t, missing.IsActive())
}

func TestDatabaseName(t *testing.T) {
	assert.Equal(t, "userdb-6469643a6b65793a7a41", didauth.DatabaseName("did:key:zA"))
	assert.NotEqual(t, didauth.DatabaseName("did:key:zA"), didauth.DatabaseName("did:key:zB"))
}

func TestClaimCodeState(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	code := &didauth.ClaimCode{Name: didauth.ClaimCodeInitialAdmin}
	assert.False(t, code.IsSpent())
	assert.False(t, code.IsExpired(now))

	code.ExpiresAt = &past
	assert.True(t, code.IsExpired(now))

	code.SpentAt = &now
	assert.True(t, code.IsSpent())
}
