package didauth

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const instanceIDPrefix = "inst-"

// DeriveInstanceID derives a stable instance id for did under secret.
// The secret is stretched into a 32 byte BLAKE3 key so any length works.
func DeriveInstanceID(secret, did string) (string, error) {
	key := blake3.Sum256([]byte(secret))
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return "", wrapError(ErrInternal, err, map[string]any{"reason": "instance id key"})
	}
	hasher.Write([]byte(did))
	sum := hasher.Sum(nil)
	return instanceIDPrefix + hex.EncodeToString(sum)[:16], nil
}
