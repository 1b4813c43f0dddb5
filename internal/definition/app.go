package definition

import (
	"gopkg.in/yaml.v3"
)

// MethodAuto selects the first execution method whose condition holds
const MethodAuto = "auto"

// App is a reusable, backend-agnostic task definition
type App struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Version     string        `yaml:"version" json:"version,omitempty"`
	Inputs      AppFields     `yaml:"inputs" json:"inputs,omitempty"`
	Parameters  AppFields     `yaml:"parameters" json:"parameters,omitempty"`
	PreExec     ExecList      `yaml:"pre_exec" json:"-"`
	ExecMethods []*ExecMethod `yaml:"exec_methods" json:"-"`
	PostExec    ExecList      `yaml:"post_exec" json:"-"`
}

// AppField is an input or parameter declared by an app
type AppField struct {
	Name        string `yaml:"-" json:"name"`
	Label       string `yaml:"label" json:"label,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Type        string `yaml:"type" json:"type,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Default     string `yaml:"default" json:"default,omitempty"`
}

// ExecMethod is one named way of running an app
type ExecMethod struct {
	Name string     `yaml:"name"`
	If   *Condition `yaml:"if"`
	Exec ExecList   `yaml:"exec"`
}

// AppFields keeps declaration order of a YAML mapping
type AppFields []AppField

func (f *AppFields) UnmarshalYAML(node *yaml.Node) error {
	return decodeMapping(node, "fields", func(key string, value *yaml.Node) error {
		var field AppField
		if err := decodeOptional(value, &field); err != nil {
			return err
		}
		field.Name = key
		*f = append(*f, field)
		return nil
	})
}

// Field returns the input or parameter with the given name
func (a *App) Field(name string) (AppField, bool) {
	for _, f := range a.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range a.Parameters {
		if f.Name == name {
			return f, true
		}
	}
	return AppField{}, false
}

// Fields returns inputs followed by parameters
func (a *App) Fields() []AppField {
	fields := make([]AppField, 0, len(a.Inputs)+len(a.Parameters))
	fields = append(fields, a.Inputs...)
	return append(fields, a.Parameters...)
}

// Method returns the execution method with the given name
func (a *App) Method(name string) (*ExecMethod, bool) {
	for _, m := range a.ExecMethods {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}
