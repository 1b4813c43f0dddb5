package definition

import (
	"fmt"
	"regexp"

	"github.com/geneflow/geneflow-go/internal/errdefs"
	"github.com/geneflow/geneflow-go/internal/template"
)

// stepIDPattern bounds step ids: an id names the step work directory and
// the scope of ${id->output} references
var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Validate checks structural consistency of a bundle. It never mutates
// the bundle and reports every issue it finds. Graph ordering and cycle
// checks are left to the dag package.
func Validate(b *Bundle) []errdefs.Issue {
	var issues []errdefs.Issue
	add := func(path, format string, args ...interface{}) {
		issues = append(issues, errdefs.Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	wf := b.Workflow
	if wf.Name == "" {
		add("name", "workflow name is required")
	}
	if len(wf.Steps) == 0 {
		add("steps", "workflow declares no steps")
	}

	declared := make(map[string]bool, len(wf.Inputs)+len(wf.Parameters))
	for _, in := range wf.Inputs {
		declared[in.Name] = true
	}
	for _, p := range wf.Parameters {
		if declared[p.Name] {
			add("parameters."+p.Name, "name is already declared as an input")
		}
		declared[p.Name] = true
	}

	seen := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		path := "steps." + step.ID
		if seen[step.ID] {
			add(path, "duplicate step id")
		}
		seen[step.ID] = true
		if step.ID == template.WorkflowScope {
			add(path, "step id %q is reserved", template.WorkflowScope)
		} else if !stepIDPattern.MatchString(step.ID) {
			add(path, "step id %q may only use letters, digits, '_', '.' and '-'", step.ID)
		}
		for _, dep := range step.Depend {
			if dep == step.ID {
				add(path+".depend", "step depends on itself")
			}
		}
		switch step.Checkpoint {
		case "", CheckpointAll, CheckpointAny, CheckpointNone:
		default:
			add(path+".checkpoint", "unknown checkpoint mode %q", step.Checkpoint)
		}

		app, ok := b.Apps[step.App]
		if step.App == "" {
			add(path+".app", "app reference is required")
		} else if !ok {
			add(path+".app", "unknown app %q", step.App)
		}

		groups := -1
		if step.Map != nil {
			groups = mapIssues(path+".map", step, declared, add)
		}
		templateIssues(path, step, declared, groups, add)

		if app != nil {
			for key := range step.Template {
				if _, ok := app.Field(key); !ok {
					add(path+".template."+key, "app %q has no input or parameter %q", step.App, key)
				}
			}
			for _, field := range app.Fields() {
				if !field.Required {
					continue
				}
				if _, ok := step.Template[field.Name]; !ok && field.Default == "" {
					add(path+".template", "required %q of app %q is neither templated nor defaulted", field.Name, step.App)
				}
			}
			if m := step.Execution.Method; m != "" && m != MethodAuto {
				if _, ok := app.Method(m); !ok {
					add(path+".execution.method", "app %q has no execution method %q", step.App, m)
				}
			}
		}
	}

	for i, name := range wf.FinalOutput {
		if !seen[name] {
			add(fmt.Sprintf("final_output[%d]", i), "unknown step %q", name)
		}
	}

	for name, app := range b.Apps {
		issues = append(issues, appIssues("apps."+name, app)...)
	}
	return issues
}

// mapIssues validates a map spec and returns its capture group count
func mapIssues(path string, step *Step, declared map[string]bool, add func(string, string, ...interface{})) int {
	spec := step.Map
	groups := 0
	if spec.URI == "" {
		add(path+".uri", "map uri is required")
	}
	if spec.Regex == "" {
		add(path+".regex", "map regex is required")
	} else if re, err := regexp.Compile(spec.Regex); err != nil {
		add(path+".regex", "invalid pattern: %v", err)
	} else {
		groups = re.NumSubexp()
	}

	for _, tok := range template.Scan(spec.URI) {
		if tok.Kind != template.KindScoped {
			add(path+".uri", "%s: map uri may only use workflow or step references", tok.Raw)
			continue
		}
		scopedIssue(path+".uri", step, tok, declared, add)
	}
	return groups
}

func templateIssues(path string, step *Step, declared map[string]bool, groups int, add func(string, string, ...interface{})) {
	for key, value := range step.Template {
		p := path + ".template." + key
		for _, tok := range template.Scan(value) {
			switch tok.Kind {
			case template.KindScoped:
				scopedIssue(p, step, tok, declared, add)
			case template.KindPositional:
				switch {
				case groups < 0:
					add(p, "%s: positional references require a map", tok.Raw)
				case tok.Index < 1 || tok.Index > groups:
					add(p, "%s: pattern has %d capture groups", tok.Raw, groups)
				}
			case template.KindLocal:
				add(p, "%s: step templates must use scoped references", tok.Raw)
			}
		}
	}
}

func scopedIssue(path string, step *Step, tok template.Token, declared map[string]bool, add func(string, string, ...interface{})) {
	if tok.Scope == template.WorkflowScope {
		if !declared[tok.Name] {
			add(path, "%s: not a declared workflow input or parameter", tok.Raw)
		}
		return
	}
	if !step.DependsOn(tok.Scope) {
		add(path, "%s: step %q is not listed in depend", tok.Raw, tok.Scope)
		return
	}
	if tok.Name != OutputName {
		add(path, "%s: steps only expose %q", tok.Raw, OutputName)
	}
}

func appIssues(path string, app *App) []errdefs.Issue {
	var issues []errdefs.Issue
	locals := map[string]bool{OutputName: true}
	for _, f := range app.Fields() {
		if locals[f.Name] && f.Name != OutputName {
			issues = append(issues, errdefs.Issue{Path: path, Message: fmt.Sprintf("field %q declared twice", f.Name)})
		}
		locals[f.Name] = true
	}

	if len(app.ExecMethods) == 0 {
		issues = append(issues, errdefs.Issue{Path: path + ".exec_methods", Message: "app declares no execution methods"})
	}
	names := make(map[string]bool, len(app.ExecMethods))
	for i, m := range app.ExecMethods {
		mpath := fmt.Sprintf("%s.exec_methods[%d]", path, i)
		if m.Name == "" {
			issues = append(issues, errdefs.Issue{Path: mpath, Message: "method name is required"})
		} else if names[m.Name] {
			issues = append(issues, errdefs.Issue{Path: mpath, Message: fmt.Sprintf("duplicate method %q", m.Name)})
		}
		names[m.Name] = true
		issues = append(issues, m.If.issues(mpath+".if", locals)...)
		issues = append(issues, blockIssues(mpath+".exec", m.Exec, locals)...)
	}
	issues = append(issues, blockIssues(path+".pre_exec", app.PreExec, locals)...)
	issues = append(issues, blockIssues(path+".post_exec", app.PostExec, locals)...)
	return issues
}

func blockIssues(path string, blocks []ExecNode, locals map[string]bool) []errdefs.Issue {
	var issues []errdefs.Issue
	for i, block := range blocks {
		bpath := fmt.Sprintf("%s[%d]", path, i)
		issues = append(issues, block.Guard().issues(bpath+".if", locals)...)
		switch n := block.(type) {
		case *Shell:
			issues = append(issues, localTokenIssues(bpath, n.Run, locals)...)
		case *Container:
			issues = append(issues, localTokenIssues(bpath, n.Image, locals)...)
			issues = append(issues, localTokenIssues(bpath, n.Run, locals)...)
		case *Pipe:
			issues = append(issues, blockIssues(bpath+".pipe", n.Nodes, locals)...)
		case *Multi:
			issues = append(issues, blockIssues(bpath+".multi", n.Nodes, locals)...)
		}
	}
	return issues
}

// localTokenIssues rejects tokens in app text other than declared locals
func localTokenIssues(path, text string, locals map[string]bool) []errdefs.Issue {
	var issues []errdefs.Issue
	for _, tok := range template.Scan(text) {
		if tok.Kind != template.KindLocal {
			issues = append(issues, errdefs.Issue{Path: path, Message: fmt.Sprintf("%s: apps may only reference their own inputs and parameters", tok.Raw)})
			continue
		}
		if !locals[tok.Name] {
			issues = append(issues, errdefs.Issue{Path: path, Message: fmt.Sprintf("%s: undeclared input or parameter", tok.Raw)})
		}
	}
	return issues
}
