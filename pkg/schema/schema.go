// Package schema infers a flat field-kind and semantic-type map from an
// evaluation context, for telemetry's per-credential schema observation.
package schema

import (
	"sort"
	"strconv"
	"strings"

	"github.com/confidence-resolver/resolver/pkg/targeting"
)

// FieldKind is the coarse wire type of a flattened context leaf.
type FieldKind int

const (
	StringKind FieldKind = iota
	BoolKind
	NumberKind
	NullKind
)

// SemanticType is the finer-grained annotation guessed from a string leaf's
// content, independent of FieldKind.
type SemanticType int

const (
	SemanticNone SemanticType = iota
	SemanticCountry
	SemanticTimestamp
	SemanticDate
	SemanticVersion
)

// Derived is the flattened schema produced from one evaluation context.
type Derived struct {
	Fields        map[string]FieldKind
	SemanticTypes map[string]SemanticType
}

const (
	minDateLength      = len("2025-04-01")
	minTimestampLength = len("2025-04-01T0000")
)

// GetSchema flattens struct_value's leaves into dotted paths, recording each
// leaf's FieldKind and, for strings, a best-guess SemanticType.
func GetSchema(ctx targeting.Dynamic) Derived {
	d := Derived{Fields: map[string]FieldKind{}, SemanticTypes: map[string]SemanticType{}}
	flatten(ctx, "", &d)
	return d
}

func flatten(d targeting.Dynamic, prefix string, out *Derived) {
	if d.Kind != targeting.DynStruct {
		return
	}
	for field, value := range d.Struct {
		if value.Kind == targeting.DynStruct {
			flatten(value, prefix+field+".", out)
		} else {
			addFieldSchema(value, prefix+field, out)
		}
	}
}

func addFieldSchema(v targeting.Dynamic, path string, out *Derived) {
	switch v.Kind {
	case targeting.DynString:
		out.Fields[path] = StringKind
		guessSemanticType(v.Str, path, out)
	case targeting.DynBool:
		out.Fields[path] = BoolKind
	case targeting.DynNumber:
		out.Fields[path] = NumberKind
	case targeting.DynNull:
		out.Fields[path] = NullKind
	case targeting.DynList:
		if len(v.List) == 0 {
			return
		}
		first := v.List[0]
		for _, el := range v.List {
			if el.Kind != first.Kind {
				return // heterogeneous lists are dropped
			}
		}
		addFieldSchema(first, path, out)
	}
}

// guessSemanticType applies the Country > Timestamp > Date > Version
// priority. Country is checked explicitly first; Timestamp naturally wins
// over Date in practice because is_date requires an exact "YYYY-MM-DD"
// match that a timestamp-shaped string (with a time component) fails.
func guessSemanticType(value, path string, out *Derived) {
	lowerPath := strings.ToLower(path)

	switch {
	case strings.Contains(lowerPath, "country"):
		if isValidCountryCode(value) {
			out.SemanticTypes[path] = SemanticCountry
		}
	case isTimestamp(value):
		out.SemanticTypes[path] = SemanticTimestamp
	case isDate(value):
		out.SemanticTypes[path] = SemanticDate
	case isSemanticVersion(value):
		out.SemanticTypes[path] = SemanticVersion
	}
}

func isSemanticVersion(value string) bool {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return false
		}
	}
	return true
}

func isTimestamp(value string) bool {
	if len(value) < minTimestampLength {
		return false
	}
	_, err := targeting.ParseTimestamp(value)
	return err == nil && strings.ContainsAny(value, "T ")
}

func isDate(value string) bool {
	if len(value) < minDateLength {
		return false
	}
	_, err := targeting.ParseTimestamp(value)
	return err == nil && !strings.ContainsAny(value, "T ")
}

func isValidCountryCode(value string) bool {
	_, ok := iso3166Alpha2[strings.ToUpper(value)]
	return ok
}

// SortedFieldPaths returns Derived.Fields' keys sorted, for deterministic
// telemetry serialization.
func (d Derived) SortedFieldPaths() []string {
	paths := make([]string, 0, len(d.Fields))
	for p := range d.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
