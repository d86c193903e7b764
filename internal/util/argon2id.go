package util

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const passwordSaltSize = 16

type Argon2idParams struct {
	Time        uint32 `json:"time" yaml:"time"`
	MemoryKiB   uint32 `json:"memory" yaml:"memory"`
	Parallelism uint8  `json:"parallelism" yaml:"parallelism"`
	KeyLen      uint32 `json:"key_len" yaml:"key_len"`
}

// DefaultArgon2idParams follows the OWASP password storage baseline.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// ValidateArgon2idParams rejects parameters too weak to be useful.
func ValidateArgon2idParams(p Argon2idParams) error {
	switch {
	case p.Time == 0:
		return errors.New("argon2id time must be at least 1")
	case p.MemoryKiB < 8*1024:
		return fmt.Errorf("argon2id memory %d KiB is below 8 MiB", p.MemoryKiB)
	case p.Parallelism == 0:
		return errors.New("argon2id parallelism must be at least 1")
	case p.KeyLen != 32:
		return errors.New("argon2id key length must be 32 bytes")
	}
	return nil
}

func DeriveArgon2idKey(password, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}

// PasswordHash is a stored argon2id verifier.
type PasswordHash struct {
	Params Argon2idParams `json:"params"`
	Salt   []byte         `json:"salt"`
	Key    []byte         `json:"key"`
}

// HashPassword derives a verifier for password under a fresh salt.
func HashPassword(password []byte, params Argon2idParams) (PasswordHash, error) {
	salt, err := RandomBytes(passwordSaltSize)
	if err != nil {
		return PasswordHash{}, err
	}
	key, err := DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return PasswordHash{}, err
	}
	return PasswordHash{Params: params, Salt: salt, Key: key}, nil
}

// Verify reports whether password matches h in constant time.
func (h PasswordHash) Verify(password []byte) (bool, error) {
	if len(h.Key) == 0 {
		return false, nil
	}
	key, err := DeriveArgon2idKey(password, h.Salt, h.Params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, h.Key) == 1, nil
}
