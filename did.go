package didauth

import (
	"crypto/ed25519"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didKeyPrefix      = "did:key:"
	didRAPrefix       = "did:ra:ed25519:"
	multibaseBase58   = 'z'
	multicodecEd25519 = 0xed
)

// PublicKeyFromDID derives the Ed25519 public key encoded in a DID. Supported
// forms are did:key (multibase base58btc, ed25519-pub multicodec) and
// did:ra:ed25519:<base58(pub)>.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	did = strings.TrimSpace(did)

	switch {
	case strings.HasPrefix(did, didKeyPrefix):
		return decodeDIDKey(did, strings.TrimPrefix(did, didKeyPrefix))
	case strings.HasPrefix(did, didRAPrefix):
		raw, err := base58.Decode(strings.TrimPrefix(did, didRAPrefix))
		if err != nil {
			return nil, wrapError(ErrUnsupportedDID, err, map[string]any{"did": did})
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, newError(ErrUnsupportedDID, map[string]any{"did": did, "reason": "invalid key length"})
		}
		return ed25519.PublicKey(raw), nil
	default:
		return nil, newError(ErrUnsupportedDID, map[string]any{"did": did, "reason": "unknown method"})
	}
}

func decodeDIDKey(did, identifier string) (ed25519.PublicKey, error) {
	// did:key:z6Mk...#z6Mk... fragments point at the same key
	if idx := strings.IndexByte(identifier, '#'); idx >= 0 {
		identifier = identifier[:idx]
	}

	if len(identifier) < 2 || identifier[0] != multibaseBase58 {
		return nil, newError(ErrUnsupportedDID, map[string]any{"did": did, "reason": "expected base58btc multibase"})
	}

	raw, err := base58.Decode(identifier[1:])
	if err != nil {
		return nil, wrapError(ErrUnsupportedDID, err, map[string]any{"did": did})
	}

	// multicodec varint 0xed01 followed by the 32 byte key
	if len(raw) != ed25519.PublicKeySize+2 || raw[0] != multicodecEd25519 || raw[1] != 0x01 {
		return nil, newError(ErrUnsupportedDID, map[string]any{"did": did, "reason": "not an ed25519 key"})
	}

	return ed25519.PublicKey(raw[2:]), nil
}

// DIDFromPublicKey encodes an Ed25519 public key as a did:key identifier
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(pub)+2)
	buf = append(buf, multicodecEd25519, 0x01)
	buf = append(buf, pub...)
	return didKeyPrefix + string(multibaseBase58) + base58.Encode(buf)
}
