package didauth

import (
	"crypto/subtle"
	"sort"
)

// RoleKind is one of the three mutually exclusive caller roles
type RoleKind string

const (
	RoleInternal RoleKind = "internal"
	RoleAdmin    RoleKind = "admin"
	RoleOwner    RoleKind = "owner"
)

// Identity fields a role may be allowed to change
const (
	FieldProfileName          = "profileName"
	FieldProfilePictureURL    = "profilePictureUrl"
	FieldIsAdmin              = "isAdmin"
	FieldTier                 = "tier"
	FieldInstanceStatus       = "instanceStatus"
	FieldInstanceURL          = "instanceUrl"
	FieldInstanceErrorDetails = "instanceErrorDetails"
)

// Envelope fields travel with an update but are never written to the identity
const (
	FieldNonce     = "nonce"
	FieldTimestamp = "timestamp"
	FieldSignature = "signature"
	FieldClaimCode = "claimCode"
)

type fieldSet map[string]struct{}

func newFieldSet(fields ...string) fieldSet {
	s := make(fieldSet, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

var roleFields = map[RoleKind]fieldSet{
	RoleInternal: newFieldSet(
		FieldInstanceStatus,
		FieldInstanceURL,
		FieldInstanceErrorDetails,
	),
	RoleAdmin: newFieldSet(
		FieldProfileName,
		FieldProfilePictureURL,
		FieldIsAdmin,
		FieldTier,
		FieldInstanceStatus,
		FieldInstanceURL,
		FieldInstanceErrorDetails,
	),
	RoleOwner: newFieldSet(
		FieldProfileName,
		FieldProfilePictureURL,
	),
}

var envelopeFields = newFieldSet(FieldNonce, FieldTimestamp, FieldSignature, FieldClaimCode)

// Role is the resolved caller of a mutation. It is resolved once per request
// and passed explicitly to the update logic.
type Role struct {
	Kind RoleKind
	// DID of the token holder, empty for internal callers
	DID string
}

// Allows reports whether the role may write field
func (r Role) Allows(field string) bool {
	fields, ok := roleFields[r.Kind]
	if !ok {
		return false
	}
	_, allowed := fields[field]
	return allowed
}

// AllowedFields lists the fields the role may write, sorted
func (r Role) AllowedFields() []string {
	out := make([]string, 0, len(roleFields[r.Kind]))
	for f := range roleFields[r.Kind] {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Actor converts the role into an activity actor
func (r Role) Actor() ActorRef {
	switch r.Kind {
	case RoleInternal:
		return ActorRef{Type: ActorTypeInternal}
	case RoleAdmin:
		return ActorRef{Type: ActorTypeAdmin, ID: r.DID}
	default:
		return ActorRef{Type: ActorTypeIdentity, ID: r.DID}
	}
}

// ResolveRole picks the highest precedence role that applies: internal
// secret, then admin claim, then ownership of targetDID. A request with no
// credential at all is unauthorized, one whose credential grants nothing on
// targetDID is forbidden.
func ResolveRole(internalSecret, presentedSecret string, claims *JWTClaims, targetDID string) (Role, error) {
	if presentedSecret != "" && internalSecret != "" &&
		subtle.ConstantTimeCompare([]byte(presentedSecret), []byte(internalSecret)) == 1 {
		return Role{Kind: RoleInternal}, nil
	}

	if claims == nil {
		if presentedSecret != "" {
			return Role{}, newError(ErrForbidden, map[string]any{"reason": "internal secret mismatch"})
		}
		return Role{}, newError(ErrUnauthorized, map[string]any{"reason": "no credential"})
	}

	if claims.Admin() {
		return Role{Kind: RoleAdmin, DID: claims.DID()}, nil
	}

	if claims.DID() != "" && claims.DID() == targetDID {
		return Role{Kind: RoleOwner, DID: claims.DID()}, nil
	}

	return Role{}, newError(ErrForbidden, map[string]any{"did": targetDID})
}

// IdentityUpdate is a typed, allow-listed set of identity changes. Nil
// fields are left untouched, an empty string clears an optional field.
type IdentityUpdate struct {
	ProfileName          *string
	ProfilePictureURL    *string
	IsAdmin              *bool
	Tier                 *string
	InstanceStatus       *InstanceStatus
	InstanceURL          *string
	InstanceErrorDetails *string
}

// IsEmpty reports whether the update changes nothing
func (u IdentityUpdate) IsEmpty() bool {
	return u == IdentityUpdate{}
}

// FilterUpdate checks every field of a raw update body against the role
// allow-list and converts it to a typed update. Envelope fields are skipped.
func FilterUpdate(role Role, fields map[string]any) (IdentityUpdate, error) {
	update := IdentityUpdate{}

	if _, ok := roleFields[role.Kind]; !ok {
		return update, newError(ErrForbidden, map[string]any{"role": role.Kind})
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, envelope := envelopeFields[key]; envelope {
			continue
		}
		if !role.Allows(key) {
			return IdentityUpdate{}, newError(ErrFieldNotAllowed, map[string]any{
				"field": key,
				"role":  role.Kind,
			})
		}

		value := fields[key]
		var err error
		switch key {
		case FieldProfileName:
			update.ProfileName, err = stringField(key, value)
		case FieldProfilePictureURL:
			update.ProfilePictureURL, err = stringField(key, value)
		case FieldTier:
			update.Tier, err = stringField(key, value)
		case FieldInstanceURL:
			update.InstanceURL, err = stringField(key, value)
		case FieldInstanceErrorDetails:
			update.InstanceErrorDetails, err = stringField(key, value)
		case FieldIsAdmin:
			b, ok := value.(bool)
			if !ok {
				err = fieldTypeError(key, "boolean")
				break
			}
			update.IsAdmin = &b
		case FieldInstanceStatus:
			raw, ok := value.(string)
			if !ok {
				err = fieldTypeError(key, "string")
				break
			}
			status, valid := ParseInstanceStatus(raw)
			if !valid {
				err = newError(ErrBadRequest, map[string]any{"field": key, "value": raw})
				break
			}
			update.InstanceStatus = &status
		}
		if err != nil {
			return IdentityUpdate{}, err
		}
	}

	return update, nil
}

func stringField(key string, value any) (*string, error) {
	if value == nil {
		return stringPtr(""), nil
	}
	s, ok := value.(string)
	if !ok {
		return nil, fieldTypeError(key, "string")
	}
	return &s, nil
}

func fieldTypeError(key, want string) error {
	return newError(ErrBadRequest, map[string]any{"field": key, "expected": want})
}

// applyProfile copies profile and admin fields onto identity
func (u IdentityUpdate) applyProfile(identity *Identity) {
	if u.ProfileName != nil {
		identity.ProfileName = optionalString(*u.ProfileName)
	}
	if u.ProfilePictureURL != nil {
		identity.ProfilePictureURL = optionalString(*u.ProfilePictureURL)
	}
	if u.IsAdmin != nil {
		identity.IsAdmin = *u.IsAdmin
	}
	if u.Tier != nil {
		identity.Tier = *u.Tier
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return stringPtr(s)
}
