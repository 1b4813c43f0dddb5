// Package template implements reference token substitution for step
// templates and app execution blocks.
//
// Four token forms are recognized:
//
//	${workflow->name}   workflow input or parameter
//	${step->output}     output of a parent step
//	${1}, ${2}, ...     capture groups of a mapped step instance
//	${name}             app-local value (only when a Table carries locals)
//
// A doubled dollar sign ($${...}) escapes a token and yields the literal
// text ${...}. Any ${...->...} text is a scoped reference whatever its
// scope and name, so a malformed one fails to resolve. Other ${...} text,
// such as shell parameter expansion, is left as-is.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// WorkflowScope is the scope marker for workflow-level values
const WorkflowScope = "workflow"

// TokenKind identifies the form of a reference token
type TokenKind int

const (
	KindScoped TokenKind = iota
	KindPositional
	KindLocal
)

// Token is one reference found in a template string
type Token struct {
	Raw   string // text as written, including ${ }
	Kind  TokenKind
	Scope string
	Name  string
	Index int // 1-based capture group index for KindPositional
	start int
}

// Key returns the normalized scope->name form of a scoped token
func (t Token) Key() string {
	switch t.Kind {
	case KindScoped:
		return t.Scope + "->" + t.Name
	case KindPositional:
		return strconv.Itoa(t.Index)
	default:
		return t.Name
	}
}

var tokenPattern = regexp.MustCompile(`\$?\$\{\s*(?:([^{}]*?)->([^{}]*)|([0-9]+)|([A-Za-z_]\w*))\s*\}`)

// Scan returns every unescaped token in s in order of appearance
func Scan(s string) []Token {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		if s[m[0]+1] == '$' {
			continue
		}
		tok := Token{Raw: s[m[0]:m[1]], start: m[0]}
		switch {
		case m[2] >= 0:
			tok.Kind = KindScoped
			tok.Scope = strings.TrimSpace(s[m[2]:m[3]])
			tok.Name = strings.TrimSpace(s[m[4]:m[5]])
		case m[6] >= 0:
			tok.Kind = KindPositional
			tok.Index, _ = strconv.Atoi(s[m[6]:m[7]])
		default:
			tok.Kind = KindLocal
			tok.Name = s[m[8]:m[9]]
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Table holds the values visible to one step instance
type Table struct {
	// Workflow maps input and parameter names to resolved values.
	Workflow map[string]string
	// Steps maps a parent step id to its named outputs.
	Steps map[string]map[string]string
	// Groups are capture groups of the matched map entry, 1-indexed by
	// position. Mapped must be set for positional tokens to resolve.
	Groups []string
	Mapped bool
	// Locals are app-local values. A nil map disables ${name} tokens.
	Locals map[string]string
	// Overrides replace scoped tokens by key, e.g. the map source token
	// resolves to the matched entry for a mapped instance.
	Overrides map[string]string
}

// Lookup resolves a single token
func (t *Table) Lookup(tok Token) (string, error) {
	switch tok.Kind {
	case KindScoped:
		if v, ok := t.Overrides[tok.Key()]; ok {
			return v, nil
		}
		if tok.Scope == WorkflowScope {
			if v, ok := t.Workflow[tok.Name]; ok {
				return v, nil
			}
			return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: "not a declared workflow input or parameter"}
		}
		outputs, ok := t.Steps[tok.Scope]
		if !ok {
			return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: fmt.Sprintf("step %q is not a dependency", tok.Scope)}
		}
		if v, ok := outputs[tok.Name]; ok {
			return v, nil
		}
		return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: fmt.Sprintf("step %q has no output %q", tok.Scope, tok.Name)}
	case KindPositional:
		if !t.Mapped {
			return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: "positional reference outside a mapped step"}
		}
		if tok.Index < 1 || tok.Index > len(t.Groups) {
			return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: fmt.Sprintf("pattern captured %d groups", len(t.Groups))}
		}
		return t.Groups[tok.Index-1], nil
	default:
		if t.Locals == nil {
			return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: "app-local reference outside an app block"}
		}
		if v, ok := t.Locals[tok.Name]; ok {
			return v, nil
		}
		return "", &errdefs.UnresolvedReferenceError{Token: tok.Raw, Reason: "not an app input or parameter"}
	}
}

// Substitute replaces every token in s. Either all tokens resolve or an
// error is returned with no partial result. Substituted values are not
// rescanned.
func Substitute(s string, t *Table) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	tokens := Scan(s)
	values := make(map[int]string, len(tokens))
	for _, tok := range tokens {
		v, err := t.Lookup(tok)
		if err != nil {
			return "", err
		}
		values[tok.start] = v
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		if s[m[0]+1] == '$' {
			// escaped: drop one dollar sign
			b.WriteString(s[m[0]+1 : m[1]])
		} else {
			b.WriteString(values[m[0]])
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// SubstituteAll resolves every value of a template map. Keys are kept.
func SubstituteAll(templates map[string]string, t *Table) (map[string]string, error) {
	keys := make([]string, 0, len(templates))
	for key := range templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(templates))
	for _, key := range keys {
		v, err := Substitute(templates[key], t)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// HasTokens reports whether s still contains unescaped tokens
func HasTokens(s string) bool {
	return len(Scan(s)) > 0
}
