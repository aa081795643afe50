// Package crypto implements digests and random material shared by the
// session, vault and webhook layers.
package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
)

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandomAlnum returns n characters drawn uniformly from [A-Za-z0-9].
func RandomAlnum(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alnum)))
	for i := range out {
		j, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alnum[j.Int64()]
	}
	return string(out), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MD5 returns the raw MD5 digest of s. Used only where the edge firewall
// can match nothing stronger.
func MD5(s string) []byte {
	sum := md5.Sum([]byte(s))
	return sum[:]
}

// EqualFold reports whether two digests are equal, ignoring ASCII case,
// in constant time for equal-length inputs.
func EqualFold(a, b string) bool {
	return subtle.ConstantTimeCompare(lower(a), lower(b)) == 1
}

func lower(s string) []byte {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return b
}
