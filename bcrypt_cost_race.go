//go:build race

package didauth

import "golang.org/x/crypto/bcrypt"

func claimCodeHashCost() int {
	// race builds are slow enough already
	return bcrypt.MinCost
}
