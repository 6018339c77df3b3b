// Package network defines decision networks in YAML and compiles them, together with
// their observations, into ready-to-query engines.
package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"gopkg.in/yaml.v3"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Definition is the structure of a network as written by its author. Parameters are not
// part of it; they are estimated from observations at compile time.
type Definition struct {
	Name        string                     `yaml:"name" json:"name"`
	Description string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Edges       [][]string                 `yaml:"edges" json:"edges"`
	Decisions   []string                   `yaml:"decisions,omitempty" json:"decisions,omitempty"`
	Utilities   map[string]map[int]float64 `yaml:"utilities,omitempty" json:"utilities,omitempty"`
	States      map[string]int             `yaml:"states,omitempty" json:"states,omitempty"`
	Pseudocount float64                    `yaml:"pseudocount,omitempty" json:"pseudocount,omitempty"`
}

// Load reads and validates a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a YAML definition and validates it. Unknown keys are rejected.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty network definition", bayes.ErrStructure)
		}
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Marshal renders the definition as YAML.
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Validate checks everything that can be checked without data: the name, edge shape,
// role overlap and non-negative parameters. Variable existence is checked by Compile.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: network name is required", bayes.ErrStructure)
	}
	if !validName.MatchString(d.Name) {
		return fmt.Errorf("%w: network name %q may only contain letters, digits, '.', '_' and '-'", bayes.ErrStructure, d.Name)
	}
	for i, e := range d.Edges {
		if len(e) != 2 || e[0] == "" || e[1] == "" {
			return fmt.Errorf("%w: edge %d must be a [parent, child] pair, got %v", bayes.ErrStructure, i, e)
		}
	}
	seen := make(map[string]bool, len(d.Decisions))
	for _, name := range d.Decisions {
		if seen[name] {
			return fmt.Errorf("%w: decision %q listed twice", bayes.ErrStructure, name)
		}
		seen[name] = true
		if _, ok := d.Utilities[name]; ok {
			return fmt.Errorf("%w: %q is both a decision and a utility variable", bayes.ErrStructure, name)
		}
	}
	for name, k := range d.States {
		if k < 1 {
			return fmt.Errorf("%w: states for %q must be positive, got %d", bayes.ErrDomain, name, k)
		}
	}
	if d.Pseudocount < 0 {
		return fmt.Errorf("%w: pseudocount must be non-negative, got %g", bayes.ErrDomain, d.Pseudocount)
	}
	return nil
}

// BayesEdges converts the edge list.
func (d *Definition) BayesEdges() []bayes.Edge {
	out := make([]bayes.Edge, 0, len(d.Edges))
	for _, e := range d.Edges {
		out = append(out, bayes.Edge{Parent: e[0], Child: e[1]})
	}
	return out
}

// UtilityVariables returns the utility-bearing variable names, sorted.
func (d *Definition) UtilityVariables() []string {
	names := make([]string, 0, len(d.Utilities))
	for name := range d.Utilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseEvidence parses "A=1, B=0" into an assignment. An empty string is an empty
// assignment.
func ParseEvidence(s string) (bayes.Evidence, error) {
	out := bayes.Evidence{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q (want NAME=STATE)", part)
		}
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid state in %q: must be an integer", part)
		}
		if prev, dup := out[name]; dup && prev != v {
			return nil, fmt.Errorf("%s assigned twice", name)
		}
		out[name] = v
	}
	return out, nil
}
