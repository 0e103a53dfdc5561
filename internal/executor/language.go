package executor

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Placeholders understood in Descriptor.Args.
const (
	PlaceholderCode   = "{code}"
	PlaceholderSource = "{source}"
	PlaceholderBinary = "{binary}"
)

// Descriptor tells an executor how to run one language.
//
// Interpreted languages receive the snippet inline:
//
//	python3 -c {code}
//
// Compiled languages get a source file and an output path:
//
//	rustc {source} -o {binary}
//
// and the produced binary is then run with no arguments.
type Descriptor struct {
	Name      Language `toml:"name" json:"name"`
	Compiled  bool     `toml:"compiled" json:"compiled"`
	Command   string   `toml:"command" json:"command"`
	Args      []string `toml:"args" json:"args"`
	Extension string   `toml:"extension" json:"extension,omitempty"`
	// Image is the container image used by the docker executor.
	Image string `toml:"image" json:"-"`
}

// Validate checks that the argument template has what the pipeline needs.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("language name is required")
	}
	if d.Command == "" {
		return fmt.Errorf("language %q: command is required", d.Name)
	}
	joined := strings.Join(d.Args, " ")
	if d.Compiled {
		if !strings.Contains(joined, PlaceholderSource) || !strings.Contains(joined, PlaceholderBinary) {
			return fmt.Errorf("language %q: compiled args must reference %s and %s",
				d.Name, PlaceholderSource, PlaceholderBinary)
		}
		return nil
	}
	if !strings.Contains(joined, PlaceholderCode) {
		return fmt.Errorf("language %q: interpreted args must reference %s", d.Name, PlaceholderCode)
	}
	return nil
}

// Argv expands the argument template. Replacement is single-pass, so a snippet
// that happens to contain "{source}" is passed through untouched.
func (d Descriptor) Argv(code, source, binary string) []string {
	r := strings.NewReplacer(
		PlaceholderCode, code,
		PlaceholderSource, source,
		PlaceholderBinary, binary,
	)
	argv := make([]string, len(d.Args))
	for i, a := range d.Args {
		argv[i] = r.Replace(a)
	}
	return argv
}

// Registry is the closed set of languages an executor accepts. It is immutable
// once built, so it can be shared between goroutines without locking.
type Registry struct {
	byName map[Language]Descriptor
	order  []Language
}

// NewRegistry builds a registry from descriptors; duplicates are an error.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	reg := &Registry{byName: make(map[Language]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.byName[d.Name]; exists {
			return nil, fmt.Errorf("duplicate descriptor for language %q", d.Name)
		}
		reg.byName[d.Name] = d
		reg.order = append(reg.order, d.Name)
	}
	if len(reg.byName) == 0 {
		return nil, errors.New("at least one language must be registered")
	}
	slices.Sort(reg.order)
	return reg, nil
}

// Lookup returns the descriptor for lang.
func (r *Registry) Lookup(lang Language) (Descriptor, bool) {
	d, ok := r.byName[lang]
	return d, ok
}

// All returns every descriptor, sorted by name.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// DefaultDescriptors is the built-in language table.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{Name: "python", Command: "python3", Args: []string{"-c", PlaceholderCode}, Image: "python:3.12-alpine"},
		{Name: "javascript", Command: "node", Args: []string{"-e", PlaceholderCode}, Image: "node:22-alpine"},
		{Name: "ruby", Command: "ruby", Args: []string{"-e", PlaceholderCode}, Image: "ruby:3.3-alpine"},
		{Name: "bash", Command: "bash", Args: []string{"-c", PlaceholderCode}, Image: "bash:5"},
		{
			Name: "rust", Compiled: true, Command: "rustc", Extension: ".rs",
			Args:  []string{PlaceholderSource, "-o", PlaceholderBinary},
			Image: "rust:1-slim",
		},
		{
			Name: "go", Compiled: true, Command: "go", Extension: ".go",
			Args:  []string{"build", "-o", PlaceholderBinary, PlaceholderSource},
			Image: "golang:1.25-alpine",
		},
		{
			Name: "c", Compiled: true, Command: "cc", Extension: ".c",
			Args:  []string{PlaceholderSource, "-o", PlaceholderBinary},
			Image: "gcc:14",
		},
		{
			Name: "cpp", Compiled: true, Command: "c++", Extension: ".cpp",
			Args:  []string{"-O2", PlaceholderSource, "-o", PlaceholderBinary},
			Image: "gcc:14",
		},
	}
}

// DefaultRegistry returns a registry of DefaultDescriptors.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(DefaultDescriptors()...)
	if err != nil {
		// the built-in table is static; failing here is a programming error
		panic(err)
	}
	return reg
}

// languagesFile is the on-disk layout:
//
//	[[language]]
//	name = "python"
//	command = "python3.12"
//	args = ["-c", "{code}"]
type languagesFile struct {
	Languages []Descriptor `toml:"language"`
}

// LoadRegistry reads a TOML languages file and merges it over the defaults:
// entries with a known name replace the built-in descriptor, new names are added.
// An empty path returns DefaultRegistry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening languages file: %w", err)
	}
	defer f.Close()

	var file languagesFile
	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding languages file %s: %w", path, err)
	}

	return mergeDescriptors(DefaultDescriptors(), file.Languages)
}

func mergeDescriptors(base, overrides []Descriptor) (*Registry, error) {
	merged := make([]Descriptor, 0, len(base)+len(overrides))
	index := make(map[Language]int, len(base))
	for _, d := range base {
		index[d.Name] = len(merged)
		merged = append(merged, d)
	}
	for _, d := range overrides {
		if i, ok := index[d.Name]; ok {
			if d.Image == "" {
				d.Image = merged[i].Image
			}
			merged[i] = d
			continue
		}
		index[d.Name] = len(merged)
		merged = append(merged, d)
	}
	return NewRegistry(merged...)
}
