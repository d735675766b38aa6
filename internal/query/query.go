// Package query evaluates set-algebra expressions over the target graph.
//
// Grammar (whitespace-insensitive, left-associative):
//
//	expr    := term (("+" | "^" | "-") term)*      union, intersect, except
//	term    := "deps(" expr ")"                    transitive dependencies
//	         | "rdeps(" expr ")"                   transitive dependents
//	         | "kind(" name "," expr ")"           filter by target kind
//	         | "(" expr ")"
//	         | label                               //pkg:name, //pkg/...
//
// The wildcard //pkg/... selects every target under the package prefix.
package query

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"forge/internal/errdefs"
	"forge/internal/graph"
)

// Eval evaluates an expression against the graph, returning labels in
// sorted order.
func Eval(g *graph.Graph, expr string) ([]string, error) {
	p := &parser{g: g, input: expr}
	set, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, p.errorf("unexpected trailing input %q", p.input[p.pos:])
	}

	out := set.ToSlice()
	sort.Strings(out)
	return out, nil
}

type parser struct {
	g     *graph.Graph
	input string
	pos   int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return errdefs.New(errdefs.KindInvalidValue,
		"query: %s (at offset %d)", fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) parseExpr() (mapset.Set[string], error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '^' && op != '-' {
			return left, nil
		}
		p.pos++

		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		switch op {
		case '+':
			left = left.Union(right)
		case '^':
			left = left.Intersect(right)
		case '-':
			left = left.Difference(right)
		}
	}
}

func (p *parser) parseTerm() (mapset.Set[string], error) {
	p.skipSpace()

	switch {
	case p.consume("deps("):
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return mapset.NewSet(p.g.TransitiveDependencies(inner.ToSlice())...), nil

	case p.consume("rdeps("):
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		// rdeps includes the seeds, mirroring deps.
		out := mapset.NewSet(p.g.TransitiveDependents(inner.ToSlice())...)
		return out.Union(inner), nil

	case p.consume("kind("):
		kind, err := p.parseWord()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		out := mapset.NewSet[string]()
		for id := range inner.Iter() {
			if n := p.g.Node(id); n != nil && string(n.Target.Kind) == kind {
				out.Add(id)
			}
		}
		return out, nil

	case p.peek() == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return inner, nil

	default:
		return p.parseLabel()
	}
}

func (p *parser) consume(prefix string) bool {
	if strings.HasPrefix(p.input[p.pos:], prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		return p.errorf("expected %q", string(c))
	}
	p.pos++
	return nil
}

func (p *parser) parseWord() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isWordChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("expected identifier")
	}
	return p.input[start:p.pos], nil
}

func (p *parser) parseLabel() (mapset.Set[string], error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isLabelChar(p.input[p.pos]) {
		p.pos++
	}
	raw := p.input[start:p.pos]
	if raw == "" {
		return nil, p.errorf("expected target label")
	}

	// Wildcard: every target under the package prefix.
	if prefix, ok := strings.CutSuffix(raw, "..."); ok {
		pkg := strings.TrimSuffix(prefix, "/")
		out := mapset.NewSet[string]()
		for _, n := range p.g.Nodes() {
			if id := n.ID(); strings.HasPrefix(id, pkg+":") || strings.HasPrefix(id, pkg+"/") {
				out.Add(n.ID())
			}
		}
		if out.Cardinality() == 0 {
			return nil, errdefs.New(errdefs.KindTargetNotFound, "no targets match %q", raw)
		}
		return out, nil
	}

	if p.g.Node(raw) == nil {
		return nil, errdefs.New(errdefs.KindTargetNotFound, "no target %q", raw)
	}
	return mapset.NewSet(raw), nil
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func isLabelChar(c byte) bool {
	return isWordChar(c) || c == '/' || c == ':' || c == '.' || c == '-' || c == '@'
}
