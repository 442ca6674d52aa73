package record

import "errors"

type ColumnType uint8

const (
	ColInt32 ColumnType = iota
	ColInt64
	ColUInt64
	ColBool
	ColFloat64
	ColText  // UTF-8
	ColBytes // opaque bytes
)

// IsNumeric reports whether values of this type can back a UNIQUE column's
// B+Tree key; the index only orders numeric keys (spec.md §3).
func (t ColumnType) IsNumeric() bool {
	switch t {
	case ColInt32, ColInt64, ColUInt64, ColFloat64:
		return true
	default:
		return false
	}
}

// String names the type the way CREATE TABLE/error messages spell it.
func (t ColumnType) String() string {
	switch t {
	case ColInt32, ColInt64:
		return "Int"
	case ColUInt64:
		return "UInt"
	case ColBool:
		return "Bool"
	case ColFloat64:
		return "Float"
	case ColText:
		return "Text"
	case ColBytes:
		return "Bytes"
	default:
		return "Unknown"
	}
}

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Unique   bool
}

type Schema struct {
	Cols []Column
}

func (s Schema) NumCols() int { return len(s.Cols) }

var (
	// ErrMultipleUnique is returned by Validate when more than one column
	// is marked UNIQUE; a table has at most one unique (indexed) column.
	ErrMultipleUnique = errors.New("record: at most one column may be UNIQUE")
	// ErrUniqueNotNumeric is returned when the UNIQUE column's type cannot
	// back a B+Tree key. Message text matches spec.md §6 bit-exact.
	ErrUniqueNotNumeric = errors.New("Unique field must be of type uint, int, or float")
)

// Validate enforces the schema-level invariants: at most one UNIQUE column,
// and that column must be numeric.
func (s Schema) Validate() error {
	uniqueIdx := -1
	for i, c := range s.Cols {
		if !c.Unique {
			continue
		}
		if uniqueIdx != -1 {
			return ErrMultipleUnique
		}
		uniqueIdx = i
	}
	if uniqueIdx != -1 && !s.Cols[uniqueIdx].Type.IsNumeric() {
		return ErrUniqueNotNumeric
	}
	return nil
}

// UniqueColumn returns the index of the schema's UNIQUE column, or -1 if
// the table has none.
func (s Schema) UniqueColumn() int {
	for i, c := range s.Cols {
		if c.Unique {
			return i
		}
	}
	return -1
}

// ColumnIndex returns the position of name in the schema, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}
