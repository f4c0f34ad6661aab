package didauth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashClaimCode will generate the stored hash of a claim code
func HashClaimCode(code string) (string, error) {
	if code == "" {
		return "", newError(ErrBadRequest, map[string]any{"reason": "empty claim code"})
	}

	h, err := bcrypt.GenerateFromPassword([]byte(code), claimCodeHashCost())
	if err != nil {
		return "", wrapError(ErrInternal, err, map[string]any{"reason": "failed to hash claim code"})
	}
	return string(h), nil
}

// CompareClaimCode reports whether the cleartext code matches the stored
// hash. A malformed hash is an error, a mismatch is not.
func CompareClaimCode(code, hash string) (bool, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, wrapError(ErrInternal, err, map[string]any{"reason": "stored claim code hash is invalid"})
	}
	return true, nil
}
