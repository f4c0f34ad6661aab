package didauth

import (
	"encoding/hex"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// InstanceStatus is the lifecycle status of an identity's backing instance
type InstanceStatus string

const (
	InstancePending           InstanceStatus = "pending"
	InstanceProvisioning      InstanceStatus = "provisioning"
	InstanceCompleted         InstanceStatus = "completed"
	InstanceFailed            InstanceStatus = "failed"
	InstanceDeprovisioning    InstanceStatus = "deprovisioning"
	InstanceFailedDeprovision InstanceStatus = "failed_deprovision"
	// InstanceRemoved is never stored, it means the document is gone
	InstanceRemoved InstanceStatus = "removed"
)

// IsValid checks if the status can be stored
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstancePending, InstanceProvisioning, InstanceCompleted,
		InstanceFailed, InstanceDeprovisioning, InstanceFailedDeprovision:
		return true
	default:
		return false
	}
}

// IsTerminal reports statuses a polling client can stop waiting on
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceFailedDeprovision:
		return true
	default:
		return false
	}
}

// ParseInstanceStatus safely parses a string into an InstanceStatus
func ParseInstanceStatus(raw string) (InstanceStatus, bool) {
	s := InstanceStatus(raw)
	return s, s.IsValid()
}

// ProvisioningRequestDetails is the audit trail of the request that started
// the current provisioning cycle
type ProvisioningRequestDetails struct {
	Nonce     string `bun:"nonce" json:"nonce"`
	Timestamp string `bun:"timestamp" json:"timestamp"`
}

// Identity is the identity document, one per DID
type Identity struct {
	bun.BaseModel              `bun:"table:identities,alias:idt"`
	ID                         uuid.UUID                  `bun:"id,pk,type:uuid" json:"-"`
	DID                        string                     `bun:"identity_did,notnull,unique" json:"identityDid"`
	Rev                        string                     `bun:"rev,notnull" json:"_rev"`
	IsAdmin                    bool                       `bun:"is_admin,notnull" json:"isAdmin"`
	Tier                       string                     `bun:"tier" json:"tier,omitempty"`
	ProfileName                *string                    `bun:"profile_name" json:"profileName,omitempty"`
	ProfilePictureURL          *string                    `bun:"profile_picture_url" json:"profilePictureUrl,omitempty"`
	InstanceID                 string                     `bun:"instance_id" json:"instanceId,omitempty"`
	InstanceStatus             InstanceStatus             `bun:"instance_status,notnull" json:"instanceStatus"`
	InstanceURL                *string                    `bun:"instance_url" json:"instanceUrl,omitempty"`
	InstanceErrorDetails       *string                    `bun:"instance_error_details" json:"instanceErrorDetails,omitempty"`
	InstanceCreatedAt          time.Time                  `bun:"instance_created_at,notnull" json:"instanceCreatedAt"`
	InstanceUpdatedAt          time.Time                  `bun:"instance_updated_at,notnull" json:"instanceUpdatedAt"`
	ProvisioningRequestDetails ProvisioningRequestDetails `bun:"embed:provisioning_request_" json:"provisioningRequestDetails"`
	CreatedAt                  *time.Time                 `bun:"created_at,nullzero,default:current_timestamp" json:"createdAt,omitempty"`
	UpdatedAt                  *time.Time                 `bun:"updated_at,nullzero,default:current_timestamp" json:"updatedAt,omitempty"`
}

// NewIdentity builds a fresh pending identity document
func NewIdentity(did, instanceID string, now time.Time) *Identity {
	return &Identity{
		ID:                IdentityRecordID(did),
		DID:               did,
		InstanceID:        instanceID,
		InstanceStatus:    InstancePending,
		InstanceCreatedAt: now,
		InstanceUpdatedAt: now,
	}
}

// IsActive reports whether the backing instance is usable
func (i *Identity) IsActive() bool {
	return i != nil && i.InstanceStatus == InstanceCompleted
}

// HasInstance reports whether an instance was ever assigned
func (i *Identity) HasInstance() bool {
	return i != nil && i.InstanceID != ""
}

// ProvisionCycle identifies the registration that started the current
// lifecycle. Re-registering replaces the request nonce, so signals from a
// script spawned for an earlier registration no longer match.
func (i *Identity) ProvisionCycle() string {
	if i == nil {
		return ""
	}
	return i.InstanceID + "#" + i.ProvisioningRequestDetails.Nonce
}

// Clone returns a deep copy so callers can mutate without touching the original
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.ProfileName = cloneString(i.ProfileName)
	c.ProfilePictureURL = cloneString(i.ProfilePictureURL)
	c.InstanceURL = cloneString(i.InstanceURL)
	c.InstanceErrorDetails = cloneString(i.InstanceErrorDetails)
	if i.CreatedAt != nil {
		t := *i.CreatedAt
		c.CreatedAt = &t
	}
	if i.UpdatedAt != nil {
		t := *i.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// IdentityRecordID derives the stable row id for a DID
func IdentityRecordID(did string) uuid.UUID {
	if id, err := hashid.NewUUID(did); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(did))
}

// DatabaseName returns the per-identity database name handed to provisioning scripts
func DatabaseName(did string) string {
	return "userdb-" + hex.EncodeToString([]byte(did))
}

// ClaimCodeInitialAdmin is the key of the bootstrap admin claim code record
const ClaimCodeInitialAdmin = "INITIAL_ADMIN"

// ClaimCode is a bootstrap secret that promotes an identity to admin. Only
// the bcrypt hash of the code is persisted.
type ClaimCode struct {
	bun.BaseModel `bun:"table:claim_codes,alias:clc"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Name          string     `bun:"name,notnull,unique" json:"name"`
	CodeHash      string     `bun:"code_hash,notnull" json:"-"`
	ExpiresAt     *time.Time `bun:"expires_at" json:"expiresAt,omitempty"`
	ForDID        *string    `bun:"for_did" json:"forDid,omitempty"`
	SpentAt       *time.Time `bun:"spent_at" json:"spentAt,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"createdAt,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updatedAt,omitempty"`
}

// IsSpent reports whether the code was already redeemed
func (c *ClaimCode) IsSpent() bool {
	return c != nil && c.SpentAt != nil
}

// IsExpired reports whether the code is past its expiry
func (c *ClaimCode) IsExpired(now time.Time) bool {
	return c != nil && c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func stringPtr(s string) *string {
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
