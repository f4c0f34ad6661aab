//go:build !race

package didauth

import "golang.org/x/crypto/bcrypt"

func claimCodeHashCost() int {
	return bcrypt.DefaultCost + 2
}
