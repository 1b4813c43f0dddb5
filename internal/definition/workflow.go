package definition

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Checkpoint controls how instance failures of a step affect the job
type Checkpoint string

const (
	// CheckpointAll requires every instance to finish
	CheckpointAll Checkpoint = "all"
	// CheckpointAny is satisfied when at least one instance finished
	CheckpointAny Checkpoint = "any"
	// CheckpointNone tolerates failure of the whole step; descendants
	// are failed by propagation
	CheckpointNone Checkpoint = "none"
)

// OutputName is the only named output a step exposes
const OutputName = "output"

// Workflow is an immutable workflow definition
type Workflow struct {
	ID          string            `yaml:"-" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Version     string            `yaml:"version" json:"version,omitempty"`
	Inputs      Inputs            `yaml:"inputs" json:"inputs,omitempty"`
	Parameters  Parameters        `yaml:"parameters" json:"parameters,omitempty"`
	Apps        map[string]AppRef `yaml:"apps" json:"apps,omitempty"`
	Steps       Steps             `yaml:"steps" json:"steps"`
	FinalOutput []string          `yaml:"final_output" json:"final_output,omitempty"`
}

// Input is a named workflow input, usually a file or directory
type Input struct {
	Name        string `yaml:"-" json:"name"`
	Label       string `yaml:"label" json:"label,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Type        string `yaml:"type" json:"type,omitempty"`
	Default     string `yaml:"default" json:"default,omitempty"`
}

// Parameter is a named scalar workflow parameter
type Parameter struct {
	Name        string `yaml:"-" json:"name"`
	Label       string `yaml:"label" json:"label,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Type        string `yaml:"type" json:"type,omitempty"`
	Default     string `yaml:"default" json:"default,omitempty"`
}

// AppRef points at an app document, relative to the workflow file
type AppRef struct {
	Path    string `yaml:"path" json:"path,omitempty"`
	Version string `yaml:"version" json:"version,omitempty"`
}

// Step is one node of the workflow graph
type Step struct {
	ID         string            `yaml:"-" json:"id"`
	Name       string            `yaml:"name" json:"name,omitempty"`
	Number     int               `yaml:"number" json:"number"`
	Letter     string            `yaml:"letter" json:"letter,omitempty"`
	App        string            `yaml:"app" json:"app"`
	Depend     []string          `yaml:"depend" json:"depend,omitempty"`
	Map        *MapSpec          `yaml:"map" json:"map,omitempty"`
	Template   map[string]string `yaml:"template" json:"template,omitempty"`
	Checkpoint Checkpoint        `yaml:"checkpoint" json:"checkpoint,omitempty"`
	Execution  Execution         `yaml:"execution" json:"execution,omitempty"`
}

// MapSpec fans a step out over the entries of a directory
type MapSpec struct {
	URI       string `yaml:"uri" json:"uri"`
	Regex     string `yaml:"regex" json:"regex"`
	Inclusive bool   `yaml:"inclusive" json:"inclusive,omitempty"`
}

// Execution selects the backend and method for a step
type Execution struct {
	Context    string            `yaml:"context" json:"context,omitempty"`
	Method     string            `yaml:"method" json:"method,omitempty"`
	Parameters map[string]string `yaml:"parameters" json:"parameters,omitempty"`
}

// DisplayName returns the step name, falling back to its id
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// CheckpointMode returns the effective checkpoint mode
func (s *Step) CheckpointMode() Checkpoint {
	if s.Checkpoint == "" {
		return CheckpointAll
	}
	return s.Checkpoint
}

// Tolerant reports whether the job may continue past a failure of s
func (s *Step) Tolerant() bool {
	return s.CheckpointMode() == CheckpointNone
}

// DependsOn reports whether id is in the declared parent set
func (s *Step) DependsOn(id string) bool {
	for _, dep := range s.Depend {
		if dep == id {
			return true
		}
	}
	return false
}

// Before orders steps by number, then letter, then id
func (s *Step) Before(other *Step) bool {
	if s.Number != other.Number {
		return s.Number < other.Number
	}
	if s.Letter != other.Letter {
		return s.Letter < other.Letter
	}
	return s.ID < other.ID
}

// Step returns the step with the given id
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Values merges defaults with overrides into the workflow-scope table.
// Names not declared by the workflow are ignored.
func (w *Workflow) Values(inputs, parameters map[string]string) map[string]string {
	values := make(map[string]string, len(w.Inputs)+len(w.Parameters))
	for _, in := range w.Inputs {
		values[in.Name] = in.Default
		if v, ok := inputs[in.Name]; ok {
			values[in.Name] = v
		}
	}
	for _, p := range w.Parameters {
		values[p.Name] = p.Default
		if v, ok := parameters[p.Name]; ok {
			values[p.Name] = v
		}
	}
	return values
}

// Inputs keeps declaration order of a YAML mapping
type Inputs []Input

func (in *Inputs) UnmarshalYAML(node *yaml.Node) error {
	return decodeMapping(node, "inputs", func(key string, value *yaml.Node) error {
		var input Input
		if err := decodeOptional(value, &input); err != nil {
			return err
		}
		input.Name = key
		*in = append(*in, input)
		return nil
	})
}

// Parameters keeps declaration order of a YAML mapping
type Parameters []Parameter

func (p *Parameters) UnmarshalYAML(node *yaml.Node) error {
	return decodeMapping(node, "parameters", func(key string, value *yaml.Node) error {
		var param Parameter
		if err := decodeOptional(value, &param); err != nil {
			return err
		}
		param.Name = key
		*p = append(*p, param)
		return nil
	})
}

// Steps are kept sorted by ordering key after decoding
type Steps []*Step

func (s *Steps) UnmarshalYAML(node *yaml.Node) error {
	err := decodeMapping(node, "steps", func(key string, value *yaml.Node) error {
		step := &Step{}
		if err := decodeOptional(value, step); err != nil {
			return err
		}
		step.ID = key
		*s = append(*s, step)
		return nil
	})
	if err != nil {
		return err
	}
	sort.SliceStable(*s, func(i, j int) bool { return (*s)[i].Before((*s)[j]) })
	return nil
}

// decodeMapping walks a mapping node in document order, rejecting
// duplicate keys
func decodeMapping(node *yaml.Node, what string, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: %s must be a mapping", node.Line, what)
	}
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if seen[key] {
			return fmt.Errorf("line %d: duplicate %s key %q", node.Content[i].Line, what, key)
		}
		seen[key] = true
		if err := fn(key, node.Content[i+1]); err != nil {
			return fmt.Errorf("%s.%s: %w", what, key, err)
		}
	}
	return nil
}

// decodeOptional decodes value into out, treating null as empty
func decodeOptional(value *yaml.Node, out interface{}) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		return nil
	}
	return value.Decode(out)
}
