package cache

import (
	"sort"

	"forge/internal/action"
	"forge/internal/hashing"
)

// fingerprintVersion is folded into every fingerprint so a change to the
// key schema invalidates old entries instead of colliding with them.
const fingerprintVersion = 1

// Fingerprint computes the deterministic action key from the action and
// the content digests of its inputs. The serialization is canonical:
// length-prefixed fields, inputs sorted by digest, env and config sorted
// by key. Identical fingerprints imply an identical expected output set
// under hermetic execution.
func Fingerprint(act *action.Action, inputDigests map[string]hashing.Digest) hashing.Digest {
	enc := hashing.NewEncoder()
	enc.Uint64(fingerprintVersion)

	// Input hashes, sorted. The path is deliberately excluded: moving a
	// file without changing content must not change the key, matching
	// the deduplicated source-reference model.
	digests := make([]string, 0, len(inputDigests))
	for _, d := range inputDigests {
		digests = append(digests, d.String())
	}
	sort.Strings(digests)
	enc.Strings(digests)

	// Command, order-preserving: argv order is semantic.
	enc.Strings(act.Command)

	// Environment, key-sorted.
	enc.SortedMap(act.Env)

	enc.String(act.ToolVersion)
	enc.String(act.Platform)

	// Declared outputs participate: two actions differing only in where
	// they write are different actions.
	outs := make([]string, len(act.Outputs))
	copy(outs, act.Outputs)
	sort.Strings(outs)
	enc.Strings(outs)

	enc.SortedMap(act.Config)

	return enc.Sum()
}
