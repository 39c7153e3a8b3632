package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Chosen to balance security and login latency; a hash
// records the parameters it was produced with, so these can be raised later
// without invalidating stored credentials.
const (
	argonMemoryKiB   uint32 = 64 * 1024
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonSaltLen     uint32 = 16
	argonKeyLen      uint32 = 32

	// Upper bounds applied when decoding stored hashes. Verify must never be
	// talked into arbitrarily expensive key derivation by a crafted hash.
	argonMaxMemoryKiB  uint32 = 1024 * 1024
	argonMaxIterations uint32 = 16
	argonMaxKeyLen     uint32 = 128

	minPasswordLen = 8
	maxPasswordLen = 512
)

var (
	// ErrPasswordPolicy is returned when a plaintext password violates length policy.
	ErrPasswordPolicy = errors.New("password does not meet policy")

	// ErrMalformedHash is returned when a stored hash cannot be decoded.
	ErrMalformedHash = errors.New("malformed password hash")
)

// HashPassword returns a PHC-style Argon2id hash string:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt-b64>$<key-b64>
func HashPassword(plain string) (string, error) {
	if len(plain) < minPasswordLen || len(plain) > maxPasswordLen {
		return "", ErrPasswordPolicy
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(plain), salt, argonIterations, argonMemoryKiB, argonParallelism, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemoryKiB, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether plain matches the stored PHC hash.
// Comparison of the derived keys is constant-time.
func VerifyPassword(plain, encoded string) (bool, error) {
	memoryKiB, iterations, parallelism, salt, key, err := decodeArgon2id(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(plain), salt, iterations, memoryKiB, parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(got, key) == 1, nil
}

func decodeArgon2id(encoded string) (memoryKiB, iterations uint32, parallelism uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	var p uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &iterations, &p); err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	if memoryKiB == 0 || memoryKiB > argonMaxMemoryKiB ||
		iterations == 0 || iterations > argonMaxIterations ||
		p == 0 || p > 255 {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	parallelism = uint8(p)

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || uint32(len(key)) > argonMaxKeyLen {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}

	return memoryKiB, iterations, parallelism, salt, key, nil
}
