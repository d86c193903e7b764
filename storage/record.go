package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/rbacaccel/internal/util"
)

const (
	// SchemePlain marks a record whose Data is stored as-is.
	SchemePlain = "plain"
	// SchemeAES256GCM marks a record whose Data is AES-256-GCM ciphertext.
	SchemeAES256GCM = "aes256gcm"

	recordVer = 1
	nonceSize = 12
)

// ErrSealed is returned by Plaintext for an encrypted record.
var ErrSealed = errors.New("record is sealed")

// Record is a stored value. Version is the CAS counter and is owned by the
// caller; the backends only compare it.
type Record struct {
	Ver     int    `json:"ver"`
	Scheme  string `json:"scheme"`
	Nonce   []byte `json:"nonce,omitempty"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// NewRecord wraps data in an unencrypted Record.
func NewRecord(data []byte, version ...uint64) *Record {
	rec := &Record{Ver: recordVer, Scheme: SchemePlain, Data: data}
	if len(version) > 0 {
		rec.Version = version[0]
	}
	return rec
}

// SealRecord encrypts plaintext into a Record using the given key and AAD.
func SealRecord(key, plaintext, aad []byte, version ...uint64) (*Record, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// nonce || ciphertext
	rec := &Record{
		Ver:    recordVer,
		Scheme: SchemeAES256GCM,
		Nonce:  cipher[:nonceSize],
		Data:   cipher[nonceSize:],
	}
	if len(version) > 0 {
		rec.Version = version[0]
	}
	return rec, nil
}

// OpenRecord decrypts a sealed Record using the given key and AAD.
func OpenRecord(key []byte, rec *Record, aad []byte) ([]byte, error) {
	if err := rec.check(SchemeAES256GCM); err != nil {
		return nil, err
	}
	full := make([]byte, len(rec.Nonce)+len(rec.Data))
	copy(full, rec.Nonce)
	copy(full[len(rec.Nonce):], rec.Data)
	return util.DecryptAESWithAAD(full, key, aad)
}

// Plaintext returns the Data of an unencrypted record.
func (r *Record) Plaintext() ([]byte, error) {
	if r.Scheme == SchemeAES256GCM {
		return nil, ErrSealed
	}
	if err := r.check(SchemePlain); err != nil {
		return nil, err
	}
	return r.Data, nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Ver:     r.Ver,
		Scheme:  r.Scheme,
		Nonce:   append([]byte(nil), r.Nonce...),
		Data:    append([]byte(nil), r.Data...),
		Version: r.Version,
	}
}

func (r *Record) check(scheme string) error {
	if r.Ver != recordVer {
		return fmt.Errorf("unsupported record version: %d", r.Ver)
	}
	if r.Scheme != scheme {
		return fmt.Errorf("unsupported record scheme: %s", r.Scheme)
	}
	return nil
}
