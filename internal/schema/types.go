package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/uow/internal/ir"
)

// Type is the capability interface for field value types.
//
// Compare reports whether two non-null values are equal under the type's
// notion of change. ToDatabase and FromDatabase convert between field
// values and database/sql driver values. Check validates a non-null value
// before any I/O.
type Type interface {
	Name() string
	Compare(a, b ir.IRValue) bool
	ToDatabase(v ir.IRValue) (any, error)
	FromDatabase(v any) (ir.IRValue, error)
	Check(v ir.IRValue) error
}

// Built-in type names.
const (
	TypeString   = "string"
	TypeInt      = "int"
	TypeBool     = "bool"
	TypeDateTime = "datetime"
	TypeJSON     = "json"
	TypeArray    = "array"
	TypeUUID     = "uuid"
)

// DefaultDateTimePrecision is the truncation applied by the datetime type.
const DefaultDateTimePrecision = time.Millisecond

// BuiltinTypes returns a fresh set of the built-in types.
func BuiltinTypes() []Type {
	return []Type{
		StringType{},
		IntType{},
		BoolType{},
		NewDateTimeType(DefaultDateTimePrecision),
		JSONType{},
		ArrayType{},
		UUIDType{},
	}
}

// StringType stores IRString values.
type StringType struct{}

func (StringType) Name() string                 { return TypeString }
func (StringType) Compare(a, b ir.IRValue) bool { return ir.Equal(a, b) }

func (StringType) ToDatabase(v ir.IRValue) (any, error) {
	s, ok := v.(ir.IRString)
	if !ok {
		return nil, typeMismatch(TypeString, v)
	}
	return string(s), nil
}

func (StringType) FromDatabase(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case string:
		return ir.IRString(val), nil
	case []byte:
		return ir.IRString(string(val)), nil
	default:
		return nil, fmt.Errorf("string: unexpected database value %T", v)
	}
}

func (StringType) Check(v ir.IRValue) error {
	if _, ok := v.(ir.IRString); !ok {
		return typeMismatch(TypeString, v)
	}
	return nil
}

// IntType stores IRInt values.
type IntType struct{}

func (IntType) Name() string                 { return TypeInt }
func (IntType) Compare(a, b ir.IRValue) bool { return ir.Equal(a, b) }

func (IntType) ToDatabase(v ir.IRValue) (any, error) {
	n, ok := v.(ir.IRInt)
	if !ok {
		return nil, typeMismatch(TypeInt, v)
	}
	return int64(n), nil
}

func (IntType) FromDatabase(v any) (ir.IRValue, error) {
	iv, err := ir.FromNative(v)
	if err != nil {
		return nil, fmt.Errorf("int: %w", err)
	}
	if _, ok := iv.(ir.IRInt); !ok {
		return nil, fmt.Errorf("int: unexpected database value %T", v)
	}
	return iv, nil
}

func (IntType) Check(v ir.IRValue) error {
	if _, ok := v.(ir.IRInt); !ok {
		return typeMismatch(TypeInt, v)
	}
	return nil
}

// BoolType stores IRBool values.
type BoolType struct{}

func (BoolType) Name() string                 { return TypeBool }
func (BoolType) Compare(a, b ir.IRValue) bool { return ir.Equal(a, b) }

func (BoolType) ToDatabase(v ir.IRValue) (any, error) {
	b, ok := v.(ir.IRBool)
	if !ok {
		return nil, typeMismatch(TypeBool, v)
	}
	return bool(b), nil
}

// FromDatabase accepts native booleans and the 0/1 integers SQLite returns
// for untyped columns.
func (BoolType) FromDatabase(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case bool:
		return ir.IRBool(val), nil
	case int64:
		return ir.IRBool(val != 0), nil
	default:
		return nil, fmt.Errorf("bool: unexpected database value %T", v)
	}
}

func (BoolType) Check(v ir.IRValue) error {
	if _, ok := v.(ir.IRBool); !ok {
		return typeMismatch(TypeBool, v)
	}
	return nil
}

// DateTimeType stores RFC 3339 timestamps as strings. Two values are equal
// when they denote the same instant after truncation to Precision, so a
// round trip through a millisecond-precision column is not a change.
type DateTimeType struct {
	Precision time.Duration
}

// NewDateTimeType returns a datetime type truncating to precision.
func NewDateTimeType(precision time.Duration) DateTimeType {
	if precision <= 0 {
		precision = DefaultDateTimePrecision
	}
	return DateTimeType{Precision: precision}
}

func (DateTimeType) Name() string { return TypeDateTime }

func (t DateTimeType) Compare(a, b ir.IRValue) bool {
	ta, errA := parseTime(a)
	tb, errB := parseTime(b)
	if errA != nil || errB != nil {
		return ir.Equal(a, b)
	}
	return ta.Truncate(t.Precision).Equal(tb.Truncate(t.Precision))
}

func (t DateTimeType) ToDatabase(v ir.IRValue) (any, error) {
	tm, err := parseTime(v)
	if err != nil {
		return nil, err
	}
	return FormatTime(tm.Truncate(t.Precision)), nil
}

func (t DateTimeType) FromDatabase(v any) (ir.IRValue, error) {
	switch val := v.(type) {
	case time.Time:
		return ir.IRString(FormatTime(val)), nil
	case string:
		return t.normalize(val)
	case []byte:
		return t.normalize(string(val))
	default:
		return nil, fmt.Errorf("datetime: unexpected database value %T", v)
	}
}

func (t DateTimeType) normalize(s string) (ir.IRValue, error) {
	tm, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("datetime: %w", err)
	}
	return ir.IRString(FormatTime(tm)), nil
}

func (DateTimeType) Check(v ir.IRValue) error {
	_, err := parseTime(v)
	return err
}

// FormatTime renders t as an RFC 3339 string in UTC, trailing fractional
// zeros trimmed.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v ir.IRValue) (time.Time, error) {
	s, ok := v.(ir.IRString)
	if !ok {
		return time.Time{}, typeMismatch(TypeDateTime, v)
	}
	tm, err := time.Parse(time.RFC3339Nano, string(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("datetime: %w", err)
	}
	return tm, nil
}

// JSONType stores any value as a canonical JSON document and compares
// structurally.
type JSONType struct{}

func (JSONType) Name() string                 { return TypeJSON }
func (JSONType) Compare(a, b ir.IRValue) bool { return ir.Equal(a, b) }

func (JSONType) ToDatabase(v ir.IRValue) (any, error) {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return string(b), nil
}

func (JSONType) FromDatabase(v any) (ir.IRValue, error) {
	return jsonFromDatabase(TypeJSON, v)
}

func (JSONType) Check(ir.IRValue) error { return nil }

// ArrayType stores ordered lists as JSON arrays; element order matters.
type ArrayType struct{}

func (ArrayType) Name() string                 { return TypeArray }
func (ArrayType) Compare(a, b ir.IRValue) bool { return ir.Equal(a, b) }

func (ArrayType) ToDatabase(v ir.IRValue) (any, error) {
	if _, ok := v.(ir.IRArray); !ok {
		return nil, typeMismatch(TypeArray, v)
	}
	return JSONType{}.ToDatabase(v)
}

func (ArrayType) FromDatabase(v any) (ir.IRValue, error) {
	iv, err := jsonFromDatabase(TypeArray, v)
	if err != nil {
		return nil, err
	}
	if _, ok := iv.(ir.IRArray); !ok {
		return nil, typeMismatch(TypeArray, iv)
	}
	return iv, nil
}

func (ArrayType) Check(v ir.IRValue) error {
	if _, ok := v.(ir.IRArray); !ok {
		return typeMismatch(TypeArray, v)
	}
	return nil
}

func jsonFromDatabase(name string, v any) (ir.IRValue, error) {
	var data []byte
	switch val := v.(type) {
	case string:
		data = []byte(val)
	case []byte:
		data = val
	default:
		return nil, fmt.Errorf("%s: unexpected database value %T", name, v)
	}
	iv, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return iv, nil
}

// UUIDType stores UUIDs as lowercase hyphenated strings. Comparison parses
// both sides, so case and brace variants of the same UUID are equal.
type UUIDType struct{}

func (UUIDType) Name() string { return TypeUUID }

func (UUIDType) Compare(a, b ir.IRValue) bool {
	ua, errA := parseUUID(a)
	ub, errB := parseUUID(b)
	if errA != nil || errB != nil {
		return ir.Equal(a, b)
	}
	return ua == ub
}

func (UUIDType) ToDatabase(v ir.IRValue) (any, error) {
	u, err := parseUUID(v)
	if err != nil {
		return nil, err
	}
	return u.String(), nil
}

func (UUIDType) FromDatabase(v any) (ir.IRValue, error) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		if len(val) == 16 {
			u, err := uuid.FromBytes(val)
			if err != nil {
				return nil, fmt.Errorf("uuid: %w", err)
			}
			return ir.IRString(u.String()), nil
		}
		s = string(val)
	case [16]byte:
		return ir.IRString(uuid.UUID(val).String()), nil
	default:
		return nil, fmt.Errorf("uuid: unexpected database value %T", v)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("uuid: %w", err)
	}
	return ir.IRString(u.String()), nil
}

func (UUIDType) Check(v ir.IRValue) error {
	_, err := parseUUID(v)
	return err
}

func parseUUID(v ir.IRValue) (uuid.UUID, error) {
	s, ok := v.(ir.IRString)
	if !ok {
		return uuid.Nil, typeMismatch(TypeUUID, v)
	}
	u, err := uuid.Parse(strings.TrimSpace(string(s)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("uuid: %w", err)
	}
	return u, nil
}

func typeMismatch(want string, got ir.IRValue) error {
	return fmt.Errorf("expected %s, got %s", want, ir.TypeName(got))
}
