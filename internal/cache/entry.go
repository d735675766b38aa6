package cache

import (
	"encoding/json"
	"time"

	"forge/internal/hashing"
)

// OutputRecord names one produced output and the blob holding it.
type OutputRecord struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Entry maps an action fingerprint to the outputs it produced, plus the
// metadata that must still match for the entry to be reusable.
type Entry struct {
	Fingerprint string         `json:"fingerprint"`
	Outputs     []OutputRecord `json:"outputs"`

	// Metadata recorded at insert time and compared on lookup:
	// tool version, platform, and whichever env/config values the
	// driver declared relevant.
	Metadata map[string]string `json:"metadata,omitempty"`

	// ValidationHash is the digest of the canonical encoding of the
	// fields above; a payload that no longer matches is corrupt.
	ValidationHash string `json:"validation_hash"`

	CreatedAt time.Time `json:"created_at"`
}

// computeValidationHash canonically encodes the reusability-relevant
// fields.
func (e *Entry) computeValidationHash() hashing.Digest {
	enc := hashing.NewEncoder()
	enc.String(e.Fingerprint)
	enc.Uint64(uint64(len(e.Outputs)))
	for _, o := range e.Outputs {
		enc.String(o.Path)
		enc.String(o.Digest)
		enc.Uint64(uint64(o.Size))
	}
	enc.SortedMap(e.Metadata)
	return enc.Sum()
}

// Seal stamps the validation hash. Call after populating all fields.
func (e *Entry) Seal() {
	e.ValidationHash = e.computeValidationHash().String()
}

// CheckSealed reports whether the payload still matches its validation
// hash.
func (e *Entry) CheckSealed() bool {
	return e.ValidationHash == e.computeValidationHash().String()
}

// OutputDigests parses the output digests, skipping unparseable ones
// (they fail validation elsewhere).
func (e *Entry) OutputDigests() []hashing.Digest {
	out := make([]hashing.Digest, 0, len(e.Outputs))
	for _, o := range e.Outputs {
		if d, err := hashing.Parse(o.Digest); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (e *Entry) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
