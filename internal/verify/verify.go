// Package verify runs the runtime proofs over a build: acyclicity,
// hermeticity (pairwise I/O discipline), fingerprint determinism, and
// the race-freedom corollary. Results are bundled into a content-hashed
// certificate that can be persisted and re-checked later.
package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"forge/internal/action"
	"forge/internal/cache"
	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// CheckName identifies one verification check.
type CheckName string

const (
	CheckAcyclicity  CheckName = "acyclicity"
	CheckHermeticity CheckName = "hermeticity"
	CheckDeterminism CheckName = "determinism"
	CheckRaceFreedom CheckName = "race_freedom"
)

// CheckResult is one check's outcome.
type CheckResult struct {
	Name   CheckName `json:"name"`
	Passed bool      `json:"passed"`

	// Evidence is the check's proof artifact: the topological order for
	// acyclicity, the violating pairs for hermeticity, and so on.
	Evidence []string `json:"evidence,omitempty"`

	Violations []string `json:"violations,omitempty"`
}

// Certificate is the persistable verification record. ContentHash covers
// every other field; a certificate whose hash no longer matches has been
// tampered with or truncated.
type Certificate struct {
	InvocationID string        `json:"invocation_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Checks       []CheckResult `json:"checks"`
	ContentHash  string        `json:"content_hash"`
}

// Passed reports whether every check held.
func (c *Certificate) Passed() bool {
	for _, r := range c.Checks {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (c *Certificate) computeHash() hashing.Digest {
	enc := hashing.NewEncoder()
	enc.String(c.InvocationID)
	enc.Uint64(uint64(c.CreatedAt.UnixNano()))
	for _, r := range c.Checks {
		enc.String(string(r.Name))
		passed := uint64(0)
		if r.Passed {
			passed = 1
		}
		enc.Uint64(passed)
		enc.Strings(r.Evidence)
		enc.Strings(r.Violations)
	}
	return enc.Sum()
}

// Seal stamps the content hash.
func (c *Certificate) Seal() {
	c.ContentHash = c.computeHash().String()
}

// Recheck confirms a loaded certificate is intact.
func (c *Certificate) Recheck() bool {
	return c.ContentHash == c.computeHash().String()
}

// Verifier runs the suite.
type Verifier struct {
	g       *graph.Graph
	actions map[string]*action.Action
}

// New creates a verifier over a graph and the actions derived for it.
func New(g *graph.Graph, actions map[string]*action.Action) *Verifier {
	return &Verifier{g: g, actions: actions}
}

// Run executes all four checks and seals the certificate.
func (v *Verifier) Run() *Certificate {
	timer := logging.StartTimer(logging.CategoryVerify, "verification suite")
	defer timer.Stop()

	cert := &Certificate{
		InvocationID: uuid.NewString(),
		CreatedAt:    time.Now(),
	}
	hermetic := v.checkHermeticity()
	cert.Checks = []CheckResult{
		v.checkAcyclicity(),
		hermetic,
		v.checkDeterminism(),
		v.checkRaceFreedom(hermetic),
	}
	cert.Seal()

	logging.Get(logging.CategoryVerify).Info("verification %s: passed=%v", cert.InvocationID, cert.Passed())
	return cert
}

// checkAcyclicity re-derives the topological order; the graph could not
// have been constructed cyclic, so the order doubles as the proof.
func (v *Verifier) checkAcyclicity() CheckResult {
	order := v.g.TopologicalOrder()

	// The order is a proof only if it is consistent: every edge must
	// point backwards in it.
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	var violations []string
	for _, id := range order {
		for _, dep := range v.g.Dependencies(id) {
			if pos[dep] >= pos[id] {
				violations = append(violations, fmt.Sprintf("%s before its dependency %s", id, dep))
			}
		}
	}
	return CheckResult{
		Name:       CheckAcyclicity,
		Passed:     len(violations) == 0 && len(order) == v.g.Len(),
		Evidence:   order,
		Violations: violations,
	}
}

// checkHermeticity verifies, for every action pair, that output sets are
// disjoint, and that one action's outputs feed another's inputs only
// across a declared edge.
func (v *Verifier) checkHermeticity() CheckResult {
	ids := sortedIDs(v.actions)
	var violations []string

	// Output ownership: a path may be written by at most one action.
	owner := make(map[string]string)
	for _, id := range ids {
		for _, out := range v.actions[id].Outputs {
			if prev, taken := owner[out]; taken {
				violations = append(violations, fmt.Sprintf("output %s written by both %s and %s", out, prev, id))
				continue
			}
			owner[out] = id
		}
	}

	// Input provenance: reading another action's output requires an
	// edge. Direct dependency is the declared happens-before.
	depEdge := make(map[string]map[string]bool, len(ids))
	for _, id := range ids {
		depEdge[id] = make(map[string]bool)
		for _, dep := range v.g.Dependencies(id) {
			depEdge[id][dep] = true
		}
	}
	for _, id := range ids {
		for _, in := range v.actions[id].Inputs {
			producer, produced := owner[in.Path]
			if !produced || producer == id {
				continue
			}
			if !depEdge[id][producer] {
				violations = append(violations,
					fmt.Sprintf("%s reads %s produced by %s without a declared edge", id, in.Path, producer))
			}
		}
	}

	return CheckResult{
		Name:       CheckHermeticity,
		Passed:     len(violations) == 0,
		Violations: violations,
	}
}

// checkDeterminism re-fingerprints every action twice with identical
// inputs and compares.
func (v *Verifier) checkDeterminism() CheckResult {
	var violations []string
	var evidence []string

	for _, id := range sortedIDs(v.actions) {
		act := v.actions[id]

		// Synthetic input digests: determinism of the key function is
		// what is being proven, not input stability.
		digests := make(map[string]hashing.Digest, len(act.Inputs))
		for _, in := range act.Inputs {
			digests[in.Path] = hashing.Hash([]byte(in.Path))
		}

		first := cache.Fingerprint(act, digests)
		second := cache.Fingerprint(act, digests)
		if first != second {
			violations = append(violations, fmt.Sprintf("%s: %s != %s", id, first, second))
			continue
		}
		evidence = append(evidence, fmt.Sprintf("%s=%s", id, first.String()[:16]))
	}

	return CheckResult{
		Name:       CheckDeterminism,
		Passed:     len(violations) == 0,
		Evidence:   evidence,
		Violations: violations,
	}
}

// checkRaceFreedom is the corollary: disjoint write sets plus
// edge-covered shared reads imply no race. It restates the hermeticity
// verdict with its own name so certificates stay legible.
func (v *Verifier) checkRaceFreedom(hermetic CheckResult) CheckResult {
	res := CheckResult{Name: CheckRaceFreedom, Passed: hermetic.Passed}
	if !hermetic.Passed {
		res.Violations = append([]string{"derived from hermeticity violations:"}, hermetic.Violations...)
	} else {
		res.Evidence = []string{"write sets pairwise disjoint; all shared reads edge-ordered"}
	}
	return res
}

// SaveCertificate persists a certificate as JSON.
func SaveCertificate(cert *Certificate, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "creating certificate dir")
	}
	data, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "marshaling certificate")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing certificate")
	}
	return nil
}

// LoadCertificate reads and integrity-checks a persisted certificate.
func LoadCertificate(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "reading certificate")
	}
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCacheCorrupted, err, "parsing certificate")
	}
	if !cert.Recheck() {
		return nil, errdefs.New(errdefs.KindCacheCorrupted, "certificate %s content hash mismatch", path)
	}
	return &cert, nil
}

func sortedIDs(actions map[string]*action.Action) []string {
	out := make([]string, 0, len(actions))
	for id := range actions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
