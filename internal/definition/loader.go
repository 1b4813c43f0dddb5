package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

var workflowNamespace = uuid.MustParse("6f1c3a52-8d0e-4b8e-9a57-0d3f2b6c9e41")

// Source holds raw definition documents as authored
type Source struct {
	Workflow []byte            `json:"workflow"`
	Apps     map[string][]byte `json:"apps,omitempty"`
}

// Bundle is a parsed workflow together with the apps it references
type Bundle struct {
	Workflow *Workflow
	Apps     map[string]*App
	Source   Source
}

// Digest identifies a source by content. Identical documents share an id.
func (s Source) Digest() string {
	var buf bytes.Buffer
	buf.Write(s.Workflow)
	names := make([]string, 0, len(s.Apps))
	for name := range s.Apps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString("\x00" + name + "\x00")
		buf.Write(s.Apps[name])
	}
	return uuid.NewSHA1(workflowNamespace, buf.Bytes()).String()
}

// Parse decodes and validates a source. Any problem is reported as a
// DefinitionError listing every issue found.
func Parse(src Source) (*Bundle, error) {
	wf := &Workflow{}
	if err := yaml.Unmarshal(src.Workflow, wf); err != nil {
		return nil, errdefs.NewDefinitionError("workflow", "%v", err)
	}
	wf.ID = src.Digest()

	bundle := &Bundle{Workflow: wf, Apps: make(map[string]*App, len(src.Apps)), Source: src}
	var issues []errdefs.Issue
	for name, doc := range src.Apps {
		app := &App{}
		if err := yaml.Unmarshal(doc, app); err != nil {
			issues = append(issues, errdefs.Issue{Path: "apps." + name, Message: err.Error()})
			continue
		}
		if app.Name == "" {
			app.Name = name
		}
		bundle.Apps[name] = app
	}
	if len(issues) > 0 {
		return nil, &errdefs.DefinitionError{Issues: issues}
	}

	if issues := Validate(bundle); len(issues) > 0 {
		return nil, &errdefs.DefinitionError{Issues: issues}
	}
	return bundle, nil
}

// LoadFiles reads a workflow document and every app it references.
// App paths are relative to the workflow file; apps without a path are
// looked up in appsDir as <name>.yaml or <name>/app.yaml.
func LoadFiles(workflowPath, appsDir string) (Source, error) {
	doc, err := os.ReadFile(workflowPath)
	if err != nil {
		return Source{}, fmt.Errorf("failed to read workflow: %w", err)
	}

	var refs struct {
		Apps map[string]AppRef `yaml:"apps"`
	}
	if err := yaml.Unmarshal(doc, &refs); err != nil {
		return Source{}, errdefs.NewDefinitionError("workflow", "%v", err)
	}

	src := Source{Workflow: doc, Apps: make(map[string][]byte, len(refs.Apps))}
	base := filepath.Dir(workflowPath)
	for name, ref := range refs.Apps {
		path, err := findApp(name, ref, base, appsDir)
		if err != nil {
			return Source{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Source{}, fmt.Errorf("failed to read app %q: %w", name, err)
		}
		src.Apps[name] = data
	}
	return src, nil
}

func findApp(name string, ref AppRef, base, appsDir string) (string, error) {
	if ref.Path != "" {
		if filepath.IsAbs(ref.Path) {
			return ref.Path, nil
		}
		return filepath.Join(base, ref.Path), nil
	}

	dirs := []string{filepath.Join(base, "apps")}
	if appsDir != "" {
		dirs = append([]string{appsDir}, dirs...)
	}
	for _, dir := range dirs {
		for _, candidate := range []string{
			filepath.Join(dir, name+".yaml"),
			filepath.Join(dir, name+".yml"),
			filepath.Join(dir, name, "app.yaml"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", errdefs.NewDefinitionError("apps."+name, "app document not found")
}
