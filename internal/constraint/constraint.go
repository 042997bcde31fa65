package constraint

import (
	"fmt"
	"strings"
)

// Kind is the constraint kind.
type Kind int

const (
	PrimaryKey Kind = iota + 1
	ForeignKey
	Unique
	Check
	NotNull
)

var kindNames = map[Kind]string{
	PrimaryKey: "primary_key",
	ForeignKey: "foreign_key",
	Unique:     "unique",
	Check:      "check",
	NotNull:    "not_null",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown constraint kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind accepts "primary_key", "PrimaryKey", "PRIMARY KEY" and similar
// spellings of every kind.
func ParseKind(s string) (Kind, error) {
	norm := strings.NewReplacer("_", "", " ", "", "-", "").Replace(strings.ToLower(s))
	switch norm {
	case "primarykey", "pk":
		return PrimaryKey, nil
	case "foreignkey", "fk":
		return ForeignKey, nil
	case "unique":
		return Unique, nil
	case "check":
		return Check, nil
	case "notnull":
		return NotNull, nil
	}
	return 0, fmt.Errorf("unknown constraint kind %q", s)
}

// Constraint is a declarative integrity rule. It does not change once loaded.
type Constraint struct {
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	Table      string   `json:"table"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table,omitempty"`
	RefColumns []string `json:"ref_columns,omitempty"`
	Predicate  string   `json:"predicate,omitempty"` // Registered Go predicate, Check only
	Expr       string   `json:"expr,omitempty"`      // CUE expression, Check only
}

func (c Constraint) String() string {
	s := fmt.Sprintf("%s %q on %s(%s)", c.Kind, c.Name, c.Table, strings.Join(c.Columns, ", "))
	if c.Kind == ForeignKey {
		s += fmt.Sprintf(" -> %s(%s)", c.RefTable, strings.Join(c.RefColumns, ", "))
	}
	return s
}

// Validate checks the shape of a constraint for its kind.
func (c Constraint) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("constraint: name is required")
	}
	if c.Table == "" {
		return fmt.Errorf("constraint %s: table is required", c.Name)
	}
	switch c.Kind {
	case PrimaryKey, Unique, NotNull:
		if len(c.Columns) == 0 {
			return fmt.Errorf("constraint %s: %s requires columns", c.Name, c.Kind)
		}
	case ForeignKey:
		if len(c.Columns) == 0 || c.RefTable == "" {
			return fmt.Errorf("constraint %s: foreign key requires columns and a referenced table", c.Name)
		}
		if len(c.RefColumns) != len(c.Columns) {
			return fmt.Errorf("constraint %s: %d columns reference %d columns", c.Name, len(c.Columns), len(c.RefColumns))
		}
	case Check:
		if (c.Predicate == "") == (c.Expr == "") {
			return fmt.Errorf("constraint %s: check requires exactly one of predicate or expr", c.Name)
		}
	default:
		return fmt.Errorf("constraint %s: unknown kind %s", c.Name, c.Kind)
	}
	return nil
}
