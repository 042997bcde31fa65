package constraint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// schemaDoc is the on-disk shape shared by YAML and CUE schema files:
//
//	constraints:
//	  - name: accounts_owner_fkey
//	    kind: foreign_key
//	    table: accounts
//	    columns: [owner]
//	    references: {table: users, columns: [id]}
type schemaDoc struct {
	Constraints []constraintDoc `json:"constraints" yaml:"constraints"`
}

type constraintDoc struct {
	Name       string        `json:"name" yaml:"name"`
	Kind       string        `json:"kind" yaml:"kind"`
	Table      string        `json:"table" yaml:"table"`
	Columns    []string      `json:"columns" yaml:"columns"`
	References *referenceDoc `json:"references,omitempty" yaml:"references,omitempty"`
	Predicate  string        `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Expr       string        `json:"expr,omitempty" yaml:"expr,omitempty"`
}

type referenceDoc struct {
	Table   string   `json:"table" yaml:"table"`
	Columns []string `json:"columns" yaml:"columns"`
}

func (d schemaDoc) constraints(source string) ([]Constraint, error) {
	out := make([]Constraint, 0, len(d.Constraints))
	seen := make(map[string]bool)
	for i, cd := range d.Constraints {
		kind, err := ParseKind(cd.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s: constraint %d: %w", source, i, err)
		}
		c := Constraint{
			Name:      cd.Name,
			Kind:      kind,
			Table:     cd.Table,
			Columns:   cd.Columns,
			Predicate: cd.Predicate,
			Expr:      cd.Expr,
		}
		if cd.References != nil {
			c.RefTable = cd.References.Table
			c.RefColumns = cd.References.Columns
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%s: duplicate constraint name %q", source, c.Name)
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out, nil
}

// ParseYAML reads constraints from YAML.
func ParseYAML(data []byte, source string) ([]Constraint, error) {
	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	return doc.constraints(source)
}

// ParseCUE reads constraints from CUE. The file may use CUE's own
// definitions and references as long as `constraints` evaluates to concrete
// data.
func ParseCUE(data []byte, source string) ([]Constraint, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(source))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", source, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %w", source, err)
	}
	var doc schemaDoc
	if err := v.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}
	return doc.constraints(source)
}

// LoadSchema reads a constraint schema file; the extension picks the format
// (.yaml, .yml or .cue).
func LoadSchema(path string) ([]Constraint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data, path)
	case ".cue":
		return ParseCUE(data, path)
	default:
		return nil, fmt.Errorf("schema %s: unsupported extension (want .yaml, .yml or .cue)", path)
	}
}
