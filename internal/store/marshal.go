package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/formdbg/internal/ir"
	"github.com/roach88/formdbg/internal/state"
)

// marshalState converts a state to canonical JSON TEXT for storage.
func marshalState(st *state.State) (string, error) {
	data, err := st.Encode()
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(data), nil
}

// unmarshalState parses canonical JSON TEXT into a state.
// Integers are decoded without float64 precision loss.
func unmarshalState(data string) (*state.State, error) {
	st, err := state.Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return st, nil
}

// marshalDigestPtr stores a nil digest as SQL NULL.
func marshalDigestPtr(d *ir.Digest) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func unmarshalDigest(column, s string) (ir.Digest, error) {
	d, err := ir.ParseDigest(s)
	if err != nil {
		return ir.Digest{}, fmt.Errorf("column %s: %w", column, err)
	}
	return d, nil
}

func unmarshalDigestPtr(column string, ns sql.NullString) (*ir.Digest, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := unmarshalDigest(column, ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
