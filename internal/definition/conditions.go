package definition

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/template"
)

// PredicateKind names a leaf test of a condition tree
type PredicateKind string

const (
	PredDefined    PredicateKind = "defined"
	PredNotDefined PredicateKind = "not_defined"
	PredEqual      PredicateKind = "equal"
	PredNotEqual   PredicateKind = "not_equal"
	PredGreater    PredicateKind = "gt"
	PredGreaterEq  PredicateKind = "ge"
	PredLess       PredicateKind = "lt"
	PredLessEq     PredicateKind = "le"
	PredExists     PredicateKind = "exists"
	PredNotExists  PredicateKind = "not_exists"
	PredContains   PredicateKind = "contains"
)

// arity is the operand count each predicate takes; -1 means one or more
var arity = map[PredicateKind]int{
	PredDefined:    -1,
	PredNotDefined: -1,
	PredEqual:      2,
	PredNotEqual:   2,
	PredGreater:    2,
	PredGreaterEq:  2,
	PredLess:       2,
	PredLessEq:     2,
	PredExists:     -1,
	PredNotExists:  -1,
	PredContains:   2,
}

// Condition is a boolean tree guarding a method or execution block.
// Exactly one of All, Any, None or Predicate is set.
type Condition struct {
	All       []*Condition
	Any       []*Condition
	None      []*Condition
	Predicate *Predicate
}

// Predicate is a leaf test. Operands of defined/not_defined are local
// names; all other operands are templates resolved before the test.
type Predicate struct {
	Kind     PredicateKind
	Operands []string
}

func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		children, err := decodeConditions(node)
		if err != nil {
			return err
		}
		c.All = children
		return nil
	case yaml.MappingNode:
	default:
		return fmt.Errorf("line %d: condition must be a mapping or a list", node.Line)
	}

	var parts []*Condition
	err := decodeMapping(node, "condition", func(key string, value *yaml.Node) error {
		part := &Condition{}
		switch key {
		case "all", "any", "none":
			children, err := decodeConditions(value)
			if err != nil {
				return err
			}
			switch key {
			case "all":
				part.All = children
			case "any":
				part.Any = children
			default:
				part.None = children
			}
		default:
			kind := PredicateKind(key)
			if _, ok := arity[kind]; !ok {
				return fmt.Errorf("line %d: unknown condition %q", value.Line, key)
			}
			operands, err := decodeOperands(value)
			if err != nil {
				return err
			}
			part.Predicate = &Predicate{Kind: kind, Operands: operands}
		}
		parts = append(parts, part)
		return nil
	})
	if err != nil {
		return err
	}

	if len(parts) == 1 {
		*c = *parts[0]
	} else {
		c.All = parts
	}
	return nil
}

func decodeConditions(node *yaml.Node) ([]*Condition, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of conditions", node.Line)
	}
	children := make([]*Condition, 0, len(node.Content))
	for _, item := range node.Content {
		child := &Condition{}
		if err := item.Decode(child); err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func decodeOperands(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		operands := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: condition operands must be scalars", item.Line)
			}
			operands = append(operands, item.Value)
		}
		return operands, nil
	default:
		return nil, fmt.Errorf("line %d: condition operands must be a scalar or a list", node.Line)
	}
}

// Evaluate interprets the tree against the locals of table. A nil
// condition is true.
func (c *Condition) Evaluate(table *template.Table) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch {
	case c.Predicate != nil:
		return c.Predicate.evaluate(table)
	case len(c.All) > 0:
		for _, child := range c.All {
			ok, err := child.Evaluate(table)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for _, child := range c.Any {
			ok, err := child.Evaluate(table)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case len(c.None) > 0:
		for _, child := range c.None {
			ok, err := child.Evaluate(table)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return true, nil
	}
}

func (p *Predicate) evaluate(table *template.Table) (bool, error) {
	switch p.Kind {
	case PredDefined, PredNotDefined:
		want := p.Kind == PredDefined
		for _, name := range p.Operands {
			defined := table.Locals[name] != ""
			if defined != want {
				return false, nil
			}
		}
		return true, nil
	}

	values := make([]string, len(p.Operands))
	for i, operand := range p.Operands {
		v, err := template.Substitute(operand, table)
		if err != nil {
			return false, err
		}
		values[i] = v
	}

	switch p.Kind {
	case PredEqual:
		return values[0] == values[1], nil
	case PredNotEqual:
		return values[0] != values[1], nil
	case PredContains:
		return strings.Contains(values[0], values[1]), nil
	case PredExists, PredNotExists:
		want := p.Kind == PredExists
		for _, path := range values {
			_, err := os.Stat(path)
			if (err == nil) != want {
				return false, nil
			}
		}
		return true, nil
	default:
		a, err := strconv.ParseFloat(strings.TrimSpace(values[0]), 64)
		if err != nil {
			return false, fmt.Errorf("%s: %q is not a number", p.Kind, values[0])
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(values[1]), 64)
		if err != nil {
			return false, fmt.Errorf("%s: %q is not a number", p.Kind, values[1])
		}
		return compareNumeric(p.Kind, a, b), nil
	}
}

func compareNumeric(kind PredicateKind, a, b float64) bool {
	switch kind {
	case PredGreater:
		return a > b
	case PredGreaterEq:
		return a >= b
	case PredLess:
		return a < b
	case PredLessEq:
		return a <= b
	default:
		return false
	}
}

// issues checks operand counts and local references in the tree
func (c *Condition) issues(path string, locals map[string]bool) []errdefs.Issue {
	if c == nil {
		return nil
	}
	var out []errdefs.Issue
	for i, group := range [][]*Condition{c.All, c.Any, c.None} {
		for j, child := range group {
			out = append(out, child.issues(fmt.Sprintf("%s.%s[%d]", path, []string{"all", "any", "none"}[i], j), locals)...)
		}
	}
	p := c.Predicate
	if p == nil {
		return out
	}
	want := arity[p.Kind]
	if (want == -1 && len(p.Operands) == 0) || (want > 0 && len(p.Operands) != want) {
		out = append(out, errdefs.Issue{Path: path, Message: fmt.Sprintf("%s takes %s operands, got %d", p.Kind, arityText(want), len(p.Operands))})
	}
	for _, operand := range p.Operands {
		if p.Kind == PredDefined || p.Kind == PredNotDefined {
			if !locals[operand] {
				out = append(out, errdefs.Issue{Path: path, Message: fmt.Sprintf("%s refers to undeclared name %q", p.Kind, operand)})
			}
			continue
		}
		out = append(out, localTokenIssues(path, operand, locals)...)
	}
	return out
}

func arityText(n int) string {
	if n < 0 {
		return "one or more"
	}
	return strconv.Itoa(n)
}
