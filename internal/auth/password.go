package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Password errors.
var (
	ErrPasswordMismatch = errors.New("password does not match")
	ErrPasswordTooLong  = errors.New("password exceeds maximum length")
)

// maxPasswordBytes caps input before any key derivation runs.
const maxPasswordBytes = 4096

// argon2id parameters. Vars (not consts) so tests can lower them for speed.
var (
	argonMemory  uint32 = 64 * 1024 // 64 MiB
	argonTime    uint32 = 3
	argonThreads uint8  = 2
)

const (
	argonSaltLen = 16
	argonKeyLen  = 32
)

// Verification ceiling: a stored hash whose parameters exceed these
// bounds is treated as invalid rather than derived, so a hostile row
// cannot stall the login path.
const (
	maxVerifyMemory uint32 = 1024 * 1024 // 1 GiB in KiB
	maxVerifyTime   uint32 = 16
)

// PasswordHasher defines the contract for password operations.
// This interface allows us to easily mock hashing in tests or swap algorithms.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
	// NeedsRehash reports whether the stored hash is weaker than the
	// current parameters and should be re-derived on successful login.
	NeedsRehash(hash string) bool
	// DummyCompare burns the same time as a real comparison. Called when
	// the user does not exist, so "unknown user" and "wrong password"
	// are indistinguishable by timing.
	DummyCompare(password string)
}

// Argon2idHasher implements PasswordHasher producing PHC-format strings.
type Argon2idHasher struct {
	dummyHash string
}

// NewArgon2idHasher creates a hasher with a precomputed dummy hash for
// the timing defense.
func NewArgon2idHasher() (*Argon2idHasher, error) {
	h := &Argon2idHasher{}
	filler := make([]byte, 32)
	if _, err := rand.Read(filler); err != nil {
		return nil, fmt.Errorf("generating dummy password: %w", err)
	}
	dummy, err := h.Hash(fmt.Sprintf("%x", filler))
	if err != nil {
		return nil, fmt.Errorf("preparing dummy hash: %w", err)
	}
	h.dummyHash = dummy
	return h, nil
}

// Hash derives an argon2id key and returns it as a PHC-format string.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Compare re-derives the key with the stored parameters and compares in
// constant time. Returns ErrPasswordMismatch when they differ.
func (h *Argon2idHasher) Compare(hash, password string) error {
	if len(password) > maxPasswordBytes {
		return ErrPasswordMismatch
	}

	params, salt, expectedKey, err := decodePHC(hash)
	if err != nil {
		return err
	}

	key := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(expectedKey)))
	if subtle.ConstantTimeCompare(key, expectedKey) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}

// NeedsRehash reports whether any stored parameter is below the current
// policy. Unparseable hashes report true; the rehash on next login
// repairs them.
func (h *Argon2idHasher) NeedsRehash(hash string) bool {
	params, _, _, err := decodePHC(hash)
	if err != nil {
		return true
	}
	return params.memory < argonMemory || params.time < argonTime || params.threads < argonThreads
}

// DummyCompare verifies the password against the precomputed hash and
// discards the result.
func (h *Argon2idHasher) DummyCompare(password string) {
	_ = h.Compare(h.dummyHash, password)
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

func decodePHC(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errors.New("invalid argon2id hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("parsing hash params: %w", err)
	}
	if p.memory > maxVerifyMemory || p.time > maxVerifyTime {
		return p, nil, nil, errors.New("hash parameters exceed verification ceiling")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decoding salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("decoding key: %w", err)
	}
	return p, salt, key, nil
}
