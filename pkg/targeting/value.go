// Package targeting implements the typed value model and boolean expression
// evaluator used to match an evaluation context against a segment's
// targeting rules.
package targeting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Kind discriminates the variants of a targeting Value. The evaluator is a
// closed-world match over these tags; there is no ambient dispatch.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindTimestamp
	KindVersion
	KindList
)

// Timestamp is a UTC instant, seconds + sub-second nanos, matching the
// wire Timestamp shape used throughout the catalog and context model.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// Less reports whether t sorts strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	if t.Seconds != o.Seconds {
		return t.Seconds < o.Seconds
	}
	return t.Nanos < o.Nanos
}

// LessEq reports whether t sorts at or before o.
func (t Timestamp) LessEq(o Timestamp) bool {
	if t.Seconds != o.Seconds {
		return t.Seconds < o.Seconds
	}
	return t.Nanos <= o.Nanos
}

// Value is a coerced targeting value: exactly one of its fields is
// meaningful, selected by Kind.
type Value struct {
	Kind      Kind
	Bool      bool
	Number    float64
	Str       string
	Timestamp Timestamp
	Version   string // raw semver string; compared via Masterminds/semver
	List      []Value
}

// Equal implements the equality used by Eq/Set rules. Lists are never
// produced as leaf comparison operands (callers compare element-wise).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindNumber:
		return v.Number == o.Number
	case KindString:
		return v.Str == o.Str
	case KindTimestamp:
		return v.Timestamp == o.Timestamp
	case KindVersion:
		return parseVersion(v.Version).Equal(parseVersion(o.Version))
	default:
		return false
	}
}

// Less and LessEq implement the ordering used by range rules. Kind
// mismatches (and struct/list/null operands) never compare true, mirroring
// the reference implementation's closed match.
func (v Value) Less(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number < o.Number
	case KindString:
		return v.Str < o.Str
	case KindTimestamp:
		return v.Timestamp.Less(o.Timestamp)
	case KindVersion:
		return parseVersion(v.Version).LessThan(parseVersion(o.Version))
	default:
		return false
	}
}

func (v Value) LessEq(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number <= o.Number
	case KindString:
		return v.Str <= o.Str
	case KindTimestamp:
		return v.Timestamp.LessEq(o.Timestamp)
	case KindVersion:
		a, b := parseVersion(v.Version), parseVersion(o.Version)
		return a.LessThan(b) || a.Equal(b)
	default:
		return false
	}
}

var zeroVersion = semver.MustParse("0.0.0")

// parseVersion parses a semantic version, falling back to 0.0.0 for invalid
// strings. This mirrors the reference resolver's documented-as-questionable
// fallback: an invalid version still has to participate in a total order.
func parseVersion(s string) *semver.Version {
	v, err := semver.NewVersion(s)
	if err != nil {
		return zeroVersion
	}
	return v
}

// DynKind discriminates an evaluation-context leaf before coercion.
type DynKind int

const (
	DynNull DynKind = iota
	DynBool
	DynNumber
	DynString
	DynList
	DynStruct
)

// Dynamic is an uncoerced evaluation-context leaf: the recursive
// null/bool/number/string/list/struct shape context attributes arrive in.
type Dynamic struct {
	Kind   DynKind
	Bool   bool
	Number float64
	Str    string
	List   []Dynamic
	Struct map[string]Dynamic
}

func DynBoolOf(b bool) Dynamic    { return Dynamic{Kind: DynBool, Bool: b} }
func DynNumberOf(n float64) Dynamic { return Dynamic{Kind: DynNumber, Number: n} }
func DynStringOf(s string) Dynamic { return Dynamic{Kind: DynString, Str: s} }
func DynListOf(vs ...Dynamic) Dynamic { return Dynamic{Kind: DynList, List: vs} }

// expectedKind is an exemplar Value carrying only a Kind tag. Convert does
// not take it: Convert receives the expected Kind directly.
type expectedKind struct {
	Kind Kind
}

// Convert coerces a context leaf into the expected targeting type, matching
// convert_to_targeting_value's table exactly, including its quirks (e.g. a
// struct operand always coerces to the string "null").
func Convert(attr Dynamic, expected Kind) (Value, error) {
	switch attr.Kind {
	case DynNull:
		return Value{Kind: KindString, Str: "null"}, nil

	case DynNumber:
		switch expected {
		case KindNumber:
			return Value{Kind: KindNumber, Number: attr.Number}, nil
		case KindString:
			return Value{Kind: KindString, Str: formatNumber(attr.Number)}, nil
		default:
			return Value{Kind: KindString, Str: "null"}, nil
		}

	case DynString:
		switch expected {
		case KindBool:
			return Value{Kind: KindBool, Bool: coerceBool(attr.Str)}, nil
		case KindNumber:
			n, err := strconv.ParseFloat(attr.Str, 64)
			if err != nil {
				return Value{}, fmt.Errorf("targeting: cannot parse %q as number: %w", attr.Str, err)
			}
			return Value{Kind: KindNumber, Number: n}, nil
		case KindString:
			return Value{Kind: KindString, Str: attr.Str}, nil
		case KindTimestamp:
			ts, err := ParseTimestamp(attr.Str)
			if err != nil {
				return Value{}, err
			}
			return Value{Kind: KindTimestamp, Timestamp: ts}, nil
		case KindVersion:
			return Value{Kind: KindVersion, Version: attr.Str}, nil
		default:
			return Value{Kind: KindString, Str: "null"}, nil
		}

	case DynBool:
		if expected == KindBool {
			return Value{Kind: KindBool, Bool: attr.Bool}, nil
		}
		return Value{Kind: KindString, Str: "null"}, nil

	case DynList:
		out := make([]Value, 0, len(attr.List))
		for _, el := range attr.List {
			cv, err := Convert(el, expected)
			if err != nil {
				return Value{}, err
			}
			out = append(out, cv)
		}
		return Value{Kind: KindList, List: out}, nil

	default: // DynStruct
		return Value{Kind: KindString, Str: "null"}, nil
	}
}

// Wrap list-wraps a non-list Dynamic so predicate evaluation always sees a
// list shape, unifying single-value and multi-value context attributes.
func Wrap(d Dynamic) Dynamic {
	if d.Kind == DynList {
		return d
	}
	return Dynamic{Kind: DynList, List: []Dynamic{d}}
}

func coerceBool(s string) bool {
	switch s {
	case "true", "TRUE":
		return true
	default:
		return false
	}
}

func formatNumber(n float64) string {
	// Mirrors Rust's f64::to_string: the shortest round-trippable decimal,
	// never in exponent form, with no ".0" for integral values ("123").
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// ParseTimestamp parses an ISO-8601-ish string per the reference resolver's
// from_str: RFC3339 when a zone/offset marker is present, several
// "T"/space-separated local-time formats otherwise (interpreted as UTC),
// and a bare date defaulting to midnight UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	if strings.ContainsAny(s, "T ") {
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == 'T' || r == ' ' })
		if len(parts) < 2 {
			return Timestamp{}, fmt.Errorf("targeting: malformed timestamp %q", s)
		}
		timePart := parts[1]
		if strings.ContainsAny(timePart, "Z+-") {
			t, err := time.Parse(time.RFC3339Nano, normalizeSeparator(s))
			if err != nil {
				return Timestamp{}, fmt.Errorf("targeting: cannot parse %q as RFC3339: %w", s, err)
			}
			return fromTime(t.UTC()), nil
		}
		for _, layout := range []string{
			"2006-01-02T15:04:05",
			"2006-01-02T15:04:05.999999999",
			"2006-01-02 15:04:05",
			"2006-01-02 15:04:05.999999999",
		} {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return fromTime(t), nil
			}
		}
		return Timestamp{}, fmt.Errorf("targeting: cannot parse %q as a local timestamp", s)
	}

	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("targeting: cannot parse %q as a date: %w", s, err)
	}
	return fromTime(t), nil
}

func normalizeSeparator(s string) string {
	if idx := strings.Index(s, " "); idx >= 0 {
		b := []byte(s)
		b[idx] = 'T'
		return string(b)
	}
	return s
}

func fromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}
