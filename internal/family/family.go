// Package family holds the declarative model family table: prompt
// templates, stop sequences, reasoning delimiters and sampling defaults
// keyed by model family.
package family

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// DefaultName is the family used when no other family matches.
const DefaultName = "default"

var (
	ErrUnknownFamily = errors.New("unknown model family")
	ErrNoDefault     = errors.New("family table has no default entry")
)

//go:embed families.yaml
var builtinYAML []byte

// Delimiter is a pair of markers around a reasoning segment.
type Delimiter struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// Family describes how to prompt one model family.
type Family struct {
	Name          string      `yaml:"name"`
	Match         []string    `yaml:"match"` // case-insensitive model name substrings
	Template      string      `yaml:"template"`
	Stop          []string    `yaml:"stop"`
	Reasoning     []Delimiter `yaml:"reasoning"`
	ClosingOnly   bool        `yaml:"closing_only"` // text before a lone Close is reasoning
	Temperature   float64     `yaml:"temperature"`
	TopP          float64     `yaml:"top_p"`
	RepeatPenalty float64     `yaml:"repeat_penalty"`
	ContextWindow int         `yaml:"context_window"`

	tmpl *template.Template
}

// PromptData fills a family template.
type PromptData struct {
	System  string
	Context string
	History string
	Prompt  string
}

// Render executes the family template.
func (f *Family) Render(data PromptData) (string, error) {
	var b strings.Builder
	if err := f.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", f.Name, err)
	}
	return b.String(), nil
}

// Table is an immutable set of families.
type Table struct {
	families map[string]*Family
}

type tableFile struct {
	Families []*Family `yaml:"families"`
}

// Builtin returns the embedded family table.
func Builtin() *Table { return builtin() }

var builtin = sync.OnceValue(func() *Table {
	t, err := Parse(builtinYAML, nil)
	if err != nil {
		panic(fmt.Sprintf("builtin family table: %v", err))
	}
	return t
})

// Load reads a user family file and merges it over the built-in table.
// Families with an existing name replace the built-in entry.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read family table: %w", err)
	}
	return Parse(data, Builtin())
}

// Parse decodes a family table. Entries of base that data does not
// redefine are kept. The result must contain a default family.
func Parse(data []byte, base *Table) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse family table: %w", err)
	}

	t := &Table{families: make(map[string]*Family)}
	if base != nil {
		for name, f := range base.families {
			t.families[name] = f
		}
	}
	for _, f := range file.Families {
		if f == nil || f.Name == "" {
			return nil, errors.New("parse family table: family without name")
		}
		tmpl, err := template.New(f.Name).Option("missingkey=error").Parse(f.Template)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", f.Name, err)
		}
		f.tmpl = tmpl
		for i, m := range f.Match {
			f.Match[i] = strings.ToLower(m)
		}
		t.families[f.Name] = f
	}
	if _, ok := t.families[DefaultName]; !ok {
		return nil, ErrNoDefault
	}
	return t, nil
}

// Get returns the named family.
func (t *Table) Get(name string) (*Family, error) {
	f, ok := t.families[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
	return f, nil
}

// Detect returns the family whose match pattern is the longest
// case-insensitive substring of model, or the default family.
// Equal-length matches resolve to the lower family name.
func (t *Table) Detect(model string) *Family {
	model = strings.ToLower(model)
	var best *Family
	bestLen := 0
	for _, name := range t.Names() {
		f := t.families[name]
		for _, m := range f.Match {
			if m != "" && len(m) > bestLen && strings.Contains(model, m) {
				best, bestLen = f, len(m)
			}
		}
	}
	if best == nil {
		return t.families[DefaultName]
	}
	return best
}

// Names lists the families in lexical order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.families))
	for name := range t.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
