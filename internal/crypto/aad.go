// Package icrypto builds the associated data bound into sealed records so a
// ciphertext cannot be replayed under a different key.
package icrypto

import (
	"encoding/binary"
)

const (
	aadRecord  = "RECORD"
	aadKeyWrap = "KEYWRAP"
)

// AADRecord binds a sealed record to its storage address and format version.
func AADRecord(domain, recordType, recordID string, ver int) []byte {
	return buildAAD(aadRecord, domain, recordType, recordID, ver)
}

// AADKeyWrap binds a wrapped data key to the domain it protects.
func AADKeyWrap(domain string, ver int) []byte {
	return buildAAD(aadKeyWrap, domain, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
