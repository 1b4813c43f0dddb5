// Package mapper expands a mapped step into one instance per matching
// entry of a source directory.
package mapper

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
)

// RootInstance is the discriminator of the single instance of a step
// without a map spec
const RootInstance = "root"

// Entry is one first-level item of a listed source
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// Lister lists the first-level entries of a source location
type Lister interface {
	List(ctx context.Context, uri string) ([]Entry, error)
}

// Instance is one expanded unit of a step
type Instance struct {
	ID     string
	Source string   // matched entry path, or the unfiltered source for root
	Groups []string // capture groups, 1-indexed by position
	Mapped bool
}

// Expand matches the entries of source against the step's pattern. A
// step without a map spec yields exactly one root instance receiving
// source as-is. An empty listing or a pattern with no matches is a
// MapExpansionError.
func Expand(ctx context.Context, lister Lister, stepID string, spec *definition.MapSpec, source string) ([]Instance, error) {
	if spec == nil {
		return []Instance{{ID: RootInstance, Source: source}}, nil
	}

	re, err := compile(spec)
	if err != nil {
		return nil, &errdefs.MapExpansionError{Step: stepID, Source: source, Err: err}
	}

	entries, err := lister.List(ctx, source)
	if err != nil {
		return nil, &errdefs.MapExpansionError{Step: stepID, Source: source, Err: err}
	}
	if len(entries) == 0 {
		return nil, &errdefs.MapExpansionError{Step: stepID, Source: source, Err: fmt.Errorf("source is empty")}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	instances := make([]Instance, 0, len(entries))
	for _, entry := range entries {
		match := re.FindStringSubmatch(entry.Name)
		if match == nil {
			continue
		}
		instances = append(instances, Instance{
			ID:     Discriminator(entry.Name),
			Source: entry.Path,
			Groups: match[1:],
			Mapped: true,
		})
	}
	if len(instances) == 0 {
		return nil, &errdefs.MapExpansionError{Step: stepID, Source: source, Err: fmt.Errorf("no entry matches %q", spec.Regex)}
	}
	return instances, nil
}

// compile anchors the pattern for a full-string match unless the spec
// is inclusive, in which case any substring match includes the entry.
// Groups that do not participate are always empty strings.
func compile(spec *definition.MapSpec) (*regexp.Regexp, error) {
	if spec.Inclusive {
		return regexp.Compile(spec.Regex)
	}
	return regexp.Compile(`^(?:` + spec.Regex + `)$`)
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Discriminator derives a stable, filesystem-safe instance id from an
// entry name. Safe names are used unchanged; others are sanitized and
// suffixed with a digest of the raw name so distinct entries never
// collide.
func Discriminator(name string) string {
	if safeName.MatchString(name) && name != RootInstance && !strings.HasPrefix(name, ".") {
		return name
	}
	sum := blake2b.Sum256([]byte(name))
	clean := strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if clean == "" {
		clean = "entry"
	}
	return clean + "-" + hex.EncodeToString(sum[:4])
}

// LocalLister lists directories on the local filesystem. A file:// scheme
// prefix is accepted.
type LocalLister struct{}

func (LocalLister) List(ctx context.Context, uri string) ([]Entry, error) {
	dir := strings.TrimPrefix(uri, "file://")
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Name:  item.Name(),
			Path:  filepath.Join(dir, item.Name()),
			IsDir: item.IsDir(),
		})
	}
	return entries, nil
}
