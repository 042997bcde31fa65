package state

import (
	"fmt"

	"github.com/roach88/formdbg/internal/ir"
)

// ToObject encodes the state as {"applied": n, "tables": {table: {key: row}}}.
func (s *State) ToObject() ir.Object {
	tables := make(ir.Object, len(s.tables))
	for name, t := range s.tables {
		rows := make(ir.Object, len(t))
		for k, row := range t {
			rows[k] = row.Clone()
		}
		tables[name] = rows
	}
	return ir.Object{
		"applied": ir.Int(s.applied),
		"tables":  tables,
	}
}

// Encode returns the canonical JSON encoding of ToObject.
func (s *State) Encode() ([]byte, error) {
	return ir.MarshalCanonical(s.ToObject())
}

// FromObject is the inverse of ToObject.
func FromObject(obj ir.Object) (*State, error) {
	s := New()
	applied, ok := obj["applied"].(ir.Int)
	if !ok || applied < 0 {
		return nil, fmt.Errorf("state: field applied missing or invalid")
	}
	s.applied = uint64(applied)

	tables, ok := obj["tables"].(ir.Object)
	if !ok {
		return nil, fmt.Errorf("state: field tables missing or not an object")
	}
	for name, raw := range tables {
		rows, ok := raw.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("state: table %q is not an object", name)
		}
		for key, rawRow := range rows {
			row, ok := rawRow.(ir.Object)
			if !ok {
				return nil, fmt.Errorf("state: row %s/%s is not an object", name, key)
			}
			s.Put(name, key, row)
		}
	}
	return s, nil
}

// Decode parses the output of Encode.
func Decode(data []byte) (*State, error) {
	v, err := ir.DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("decode state: expected object, got %T", v)
	}
	return FromObject(obj)
}
