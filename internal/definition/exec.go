package definition

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/geneflow/geneflow-go/internal/template"
)

// ExecNode is an execution block: Shell, Container, Pipe or Multi
type ExecNode interface {
	Guard() *Condition
}

// Shell runs a command line directly
type Shell struct {
	If  *Condition
	Run string
}

// Container runs a command line inside an image
type Container struct {
	If    *Condition
	Image string
	Run   string
}

// Pipe connects the output of each child to the input of the next
type Pipe struct {
	If    *Condition
	Nodes []ExecNode
}

// Multi runs children in sequence
type Multi struct {
	If    *Condition
	Nodes []ExecNode
}

func (n *Shell) Guard() *Condition     { return n.If }
func (n *Container) Guard() *Condition { return n.If }
func (n *Pipe) Guard() *Condition      { return n.If }
func (n *Multi) Guard() *Condition     { return n.If }

// Command is one rendered unit of work handed to a backend. An empty
// Image means the command runs on the host.
type Command struct {
	Run   string `json:"run"`
	Image string `json:"image,omitempty"`
}

// ExecList is an ordered list of execution blocks
type ExecList []ExecNode

type rawBlock struct {
	Type  string     `yaml:"type"`
	If    *Condition `yaml:"if"`
	Run   string     `yaml:"run"`
	Image string     `yaml:"image"`
	Pipe  ExecList   `yaml:"pipe"`
	Multi ExecList   `yaml:"multi"`
}

func (l *ExecList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: execution blocks must be a list", node.Line)
	}
	for _, item := range node.Content {
		var raw rawBlock
		if err := item.Decode(&raw); err != nil {
			return err
		}
		block, err := raw.node(item.Line)
		if err != nil {
			return err
		}
		*l = append(*l, block)
	}
	return nil
}

func (r *rawBlock) node(line int) (ExecNode, error) {
	kind := r.Type
	if kind == "" {
		switch {
		case len(r.Pipe) > 0:
			kind = "pipe"
		case len(r.Multi) > 0:
			kind = "multi"
		case r.Image != "":
			kind = "container"
		default:
			kind = "shell"
		}
	}

	switch kind {
	case "shell":
		if r.Run == "" {
			return nil, fmt.Errorf("line %d: shell block requires run", line)
		}
		return &Shell{If: r.If, Run: r.Run}, nil
	case "container", "docker":
		if r.Image == "" || r.Run == "" {
			return nil, fmt.Errorf("line %d: container block requires image and run", line)
		}
		return &Container{If: r.If, Image: r.Image, Run: r.Run}, nil
	case "pipe":
		if len(r.Pipe) == 0 {
			return nil, fmt.Errorf("line %d: pipe block requires children", line)
		}
		return &Pipe{If: r.If, Nodes: r.Pipe}, nil
	case "multi":
		if len(r.Multi) == 0 {
			return nil, fmt.Errorf("line %d: multi block requires children", line)
		}
		return &Multi{If: r.If, Nodes: r.Multi}, nil
	default:
		return nil, fmt.Errorf("line %d: unknown block type %q", line, kind)
	}
}

// Render interprets blocks against table, skipping any whose guard is
// false, and returns the resulting commands in order.
func Render(blocks []ExecNode, table *template.Table) ([]Command, error) {
	var commands []Command
	for _, block := range blocks {
		rendered, err := renderNode(block, table)
		if err != nil {
			return nil, err
		}
		commands = append(commands, rendered...)
	}
	return commands, nil
}

func renderNode(node ExecNode, table *template.Table) ([]Command, error) {
	ok, err := node.Guard().Evaluate(table)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate condition: %w", err)
	}
	if !ok {
		return nil, nil
	}

	switch n := node.(type) {
	case *Shell:
		run, err := template.Substitute(n.Run, table)
		if err != nil {
			return nil, err
		}
		return []Command{{Run: run}}, nil
	case *Container:
		image, err := template.Substitute(n.Image, table)
		if err != nil {
			return nil, err
		}
		run, err := template.Substitute(n.Run, table)
		if err != nil {
			return nil, err
		}
		return []Command{{Run: run, Image: image}}, nil
	case *Pipe:
		parts, err := Render(n.Nodes, table)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			return nil, nil
		}
		runs := make([]string, 0, len(parts))
		for _, part := range parts {
			if part.Image != parts[0].Image {
				return nil, fmt.Errorf("pipe mixes images %q and %q", parts[0].Image, part.Image)
			}
			runs = append(runs, part.Run)
		}
		return []Command{{Run: strings.Join(runs, " | "), Image: parts[0].Image}}, nil
	case *Multi:
		return Render(n.Nodes, table)
	default:
		return nil, fmt.Errorf("unknown execution block %T", node)
	}
}

// SelectMethod returns the named method or, for "auto" or an empty
// name, the first method whose condition holds.
func (a *App) SelectMethod(name string, table *template.Table) (*ExecMethod, error) {
	if name != "" && name != MethodAuto {
		m, ok := a.Method(name)
		if !ok {
			return nil, fmt.Errorf("app %q has no execution method %q", a.Name, name)
		}
		return m, nil
	}
	for _, m := range a.ExecMethods {
		ok, err := m.If.Evaluate(table)
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", m.Name, err)
		}
		if ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no execution method of app %q is applicable", a.Name)
}

// RenderMethod renders pre_exec, the selected method and post_exec
func (a *App) RenderMethod(name string, table *template.Table) ([]Command, string, error) {
	method, err := a.SelectMethod(name, table)
	if err != nil {
		return nil, "", err
	}

	var commands []Command
	for _, blocks := range [][]ExecNode{a.PreExec, method.Exec, a.PostExec} {
		rendered, err := Render(blocks, table)
		if err != nil {
			return nil, "", fmt.Errorf("method %q: %w", method.Name, err)
		}
		commands = append(commands, rendered...)
	}
	return commands, method.Name, nil
}
