package security

import "golang.org/x/crypto/bcrypt"

// The operator credential is hashed once at boot and compared on every
// /token call; library default cost is plenty for a single account.

func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)

	return string(b), err
}

// CheckPassword returns nil when plain matches the stored hash.

func CheckPassword(hash, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}
