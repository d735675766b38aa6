package hashing

import (
	"encoding/binary"
	"sort"
)

// Encoder builds composite fingerprints from typed fields. Every field is
// length-prefixed (8-byte big-endian) before its bytes, so no concatenation
// of two different field sequences can produce the same stream. Map-shaped
// inputs are sorted by key with plain byte collation before encoding.
//
// The encoder is the only way composite keys are built; hashing raw
// concatenations is a fingerprint-collision bug.
type Encoder struct {
	h *Hasher
}

// NewEncoder returns an encoder with an empty running hash.
func NewEncoder() *Encoder {
	return &Encoder{h: NewHasher()}
}

func (e *Encoder) prefix(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	e.h.Write(buf[:])
}

// Bytes encodes one length-prefixed byte field.
func (e *Encoder) Bytes(p []byte) *Encoder {
	e.prefix(len(p))
	e.h.Write(p)
	return e
}

// String encodes one length-prefixed string field.
func (e *Encoder) String(s string) *Encoder {
	return e.Bytes([]byte(s))
}

// Digest encodes a fixed-width digest field. Still length-prefixed: the
// uniform treatment keeps the stream self-describing.
func (e *Encoder) Digest(d Digest) *Encoder {
	return e.Bytes(d[:])
}

// Uint64 encodes an integer field.
func (e *Encoder) Uint64(v uint64) *Encoder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return e.Bytes(buf[:])
}

// Strings encodes a list field: a count followed by each element. Order is
// preserved; callers that need order independence sort first.
func (e *Encoder) Strings(list []string) *Encoder {
	e.Uint64(uint64(len(list)))
	for _, s := range list {
		e.String(s)
	}
	return e
}

// SortedMap encodes a string map as (count, key, value, key, value, ...)
// with keys in canonical byte order.
func (e *Encoder) SortedMap(m map[string]string) *Encoder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.Uint64(uint64(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.String(m[k])
	}
	return e
}

// Sum finalizes the composite fingerprint.
func (e *Encoder) Sum() Digest {
	return e.h.Sum()
}
