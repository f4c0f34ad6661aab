package didauth_test

import (
	"errors"
	"fmt"
	"testing"

	didauth "github.com/goliatone/go-didauth"
	"github.com/stretchr/testify/assert"
)

func TestHasTextCode(t *testing.T) {
	notFound := didauth.ErrIdentityNotFound.Clone().WithMetadata(map[string]any{"did": "did:key:zAlice"})
	conflict := didauth.ErrRevisionConflict.Clone()

	tests := []struct {
		name     string
		err      error
		code     string
		expected bool
	}{
		{name: "nil", err: nil, code: didauth.TextCodeIdentityNotFound},
		{name: "plain error", err: errors.New("boom"), code: didauth.TextCodeInternal},
		{name: "matching", err: notFound, code: didauth.TextCodeIdentityNotFound, expected: true},
		{name: "wrapped", err: fmt.Errorf("lookup: %w", notFound), code: didauth.TextCodeIdentityNotFound, expected: true},
		{name: "other code", err: conflict, code: didauth.TextCodeIdentityNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, didauth.HasTextCode(tt.err, tt.code))
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, didauth.IsNotFound(didauth.ErrIdentityNotFound.Clone()))
	assert.False(t, didauth.IsNotFound(didauth.ErrRevisionConflict.Clone()))
	assert.True(t, didauth.IsRevisionConflict(didauth.ErrRevisionConflict.Clone()))
	assert.False(t, didauth.IsRevisionConflict(errors.New("conflict")))
}
