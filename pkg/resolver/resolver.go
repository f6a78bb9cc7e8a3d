// Package resolver implements the core flag-resolution engine: walking a
// flag's rules against an evaluation context, bucketing against matched
// segments, and honoring sticky materializations, all synchronously and
// without any I/O of its own.
package resolver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/confidence-resolver/resolver/pkg/bucketing"
	"github.com/confidence-resolver/resolver/pkg/catalog"
	"github.com/confidence-resolver/resolver/pkg/errcode"
	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/confidence-resolver/resolver/pkg/token"
)

const (
	// DefaultTargetingKey is the context field read for a rule that doesn't
	// name its own targeting-key selector.
	DefaultTargetingKey = "targeting_key"
	// MaxFlagsPerResolve caps how many flags one resolve_flags call evaluates.
	MaxFlagsPerResolve = 200
	// MaxTargetingKeyLength rejects absurdly long default targeting keys up
	// front, checked once per request against DefaultTargetingKey rather
	// than per rule; see Service.ResolveWithSticky.
	MaxTargetingKeyLength = 100
)

var hasher = bucketing.NewHasher()

// MaterializationInfo is one materialization's recorded state for a single
// unit: whether the unit has an entry at all, and which rule→variant
// assignments are pinned for it.
type MaterializationInfo struct {
	UnitInInfo    bool
	RuleToVariant map[string]string
}

// UnitMaterializations is every materialization's info for one unit, keyed
// by materialization name.
type UnitMaterializations struct {
	InfoMap map[string]MaterializationInfo
}

// StickyContext is the caller-supplied sticky state for this resolve,
// keyed by unit. Its absence for a unit a rule needs is what triggers
// MissingMaterializationsError.
type StickyContext map[string]UnitMaterializations

// MaterializationUpdate is one rule's instruction to persist a unit's
// assignment under a named materialization, emitted by a matched rule that
// carries a write-materialization.
type MaterializationUpdate struct {
	WriteMaterialization string
	Unit                 string
	Rule                 string
	Variant              string
}

// MissingMaterializationItem names one materialization a flag's evaluation
// needed but the caller's StickyContext didn't supply, in time for the
// caller to go fetch it and retry.
type MissingMaterializationItem struct {
	Unit                string
	Rule                string
	ReadMaterialization string
}

// MissingMaterializationsError signals resolve_flag cannot proceed without
// more sticky state. It is not a catalog error: callers are expected to
// handle it as a normal control-flow outcome.
type MissingMaterializationsError struct {
	Items []MissingMaterializationItem
}

func (e *MissingMaterializationsError) Error() string {
	return "resolver: missing materializations"
}

// FlagResolveResult is one flag's outcome from ResolveFlag.
type FlagResolveResult struct {
	Reason                 token.Reason
	MatchedRule            string
	Segment                string
	HasVariant             bool
	VariantName            string
	AssignmentID           string
	TargetingKey           string
	TargetingKeySelector   string
	FallthroughAssignments []token.FallthroughAssignment
	ShouldApply            bool
	Updates                []MaterializationUpdate
}

func (r FlagResolveResult) toAssignedFlag(flagName string) token.AssignedFlag {
	return token.AssignedFlag{
		Flag:                   flagName,
		AssignmentID:           r.AssignmentID,
		Rule:                   r.MatchedRule,
		Segment:                r.Segment,
		Variant:                r.VariantName,
		TargetingKey:           r.TargetingKey,
		TargetingKeySelector:   r.TargetingKeySelector,
		Reason:                 r.Reason,
		FallthroughAssignments: r.FallthroughAssignments,
	}
}

// ErrTargetingKeyTooLong is a request-validation failure: a unit longer
// than MaxTargetingKeyLength was supplied.
var ErrTargetingKeyTooLong = errors.New("resolver: targeting key exceeds maximum length")

// ResolveFlag walks flag's rules in declaration order against ctx,
// producing a terminal Match/NoSegmentMatch/TargetingKeyError/FlagArchived
// outcome. catalogState supplies segments, bitsets, and variants; sticky
// supplies materialization state the flag's rules may require.
func ResolveFlag(catalogState *catalog.ResolverState, flag *catalog.Flag, ctx targeting.Dynamic, sticky StickyContext) (FlagResolveResult, error) {
	if flag.State == catalog.FlagArchived {
		return FlagResolveResult{Reason: token.ReasonFromFlagState(flag.State)}, nil
	}

	result := FlagResolveResult{Reason: token.ReasonNoSegmentMatch}
	accountSalt := catalogState.AccountSalt()

	for _, rule := range flag.Rules {
		if !rule.Enabled {
			continue
		}
		segment, ok := catalogState.Segments[rule.Segment]
		if !ok {
			continue
		}

		selector := rule.TargetingKeySelector
		if selector == "" {
			selector = DefaultTargetingKey
		}
		unit, present, err := extractTargetingKey(ctx, selector)
		if err != nil {
			return FlagResolveResult{
				Reason:               token.ReasonTargetingKeyError,
				TargetingKeySelector: selector,
			}, nil
		}
		if !present {
			continue
		}

		materializationMatched := false
		if rule.Materialization != nil && rule.Materialization.ReadMaterialization != "" {
			unitInfo, hasUnit := sticky[unit]
			if !hasUnit {
				return FlagResolveResult{}, &MissingMaterializationsError{Items: []MissingMaterializationItem{{
					Unit: unit, Rule: rule.Name, ReadMaterialization: rule.Materialization.ReadMaterialization,
				}}}
			}
			info, hasInfo := unitInfo.InfoMap[rule.Materialization.ReadMaterialization]
			if !hasInfo {
				return FlagResolveResult{}, &MissingMaterializationsError{Items: []MissingMaterializationItem{{
					Unit: unit, Rule: rule.Name, ReadMaterialization: rule.Materialization.ReadMaterialization,
				}}}
			}

			if !info.UnitInInfo {
				if rule.Materialization.Mode.MustMatch {
					continue
				}
				materializationMatched = false
			} else if rule.Materialization.Mode.SegmentTargetingIgnored {
				materializationMatched = true
			} else {
				matched, err := segmentMatch(catalogState, ctx, accountSalt, rule.Segment, unit, map[string]bool{})
				if err != nil {
					return FlagResolveResult{}, err
				}
				materializationMatched = matched
			}

			if materializationMatched {
				if variantName, ok := info.RuleToVariant[rule.Name]; ok {
					if assignmentID, ok := findVariantAssignmentID(rule, variantName); ok {
						variant := flag.Variant(variantName)
						if variant == nil {
							return FlagResolveResult{}, errcode.Wrap("resolver.sticky.unknown_variant")
						}
						return FlagResolveResult{
							Reason:               token.ReasonMatch,
							MatchedRule:          rule.Name,
							Segment:              rule.Segment,
							HasVariant:           true,
							VariantName:          variant.Name,
							AssignmentID:         assignmentID,
							TargetingKey:         unit,
							TargetingKeySelector: selector,
							ShouldApply:          true,
						}, nil
					}
				}
			}
		}

		if !materializationMatched {
			matched, err := segmentMatch(catalogState, ctx, accountSalt, rule.Segment, unit, map[string]bool{})
			if err != nil {
				return FlagResolveResult{}, err
			}
			if !matched {
				continue
			}
		}

		variantSalt := segmentNameTail(rule.Segment)
		bucketKey := bucketing.SaltUnit(variantSalt, unit)
		bucketIdx := hasher.HashAndBucket(bucketKey, rule.Assignment.BucketCount)

		var matchedAssignment *catalog.Assignment
		for i := range rule.Assignment.Assignments {
			if rule.Assignment.Assignments[i].ContainsBucket(bucketIdx) {
				matchedAssignment = &rule.Assignment.Assignments[i]
				break
			}
		}
		if matchedAssignment == nil {
			continue
		}

		variantName := ""
		if matchedAssignment.Kind == catalog.PayloadVariant {
			variantName = matchedAssignment.VariantName
		}
		if rule.Materialization != nil && rule.Materialization.WriteMaterialization != "" {
			result.Updates = append(result.Updates, MaterializationUpdate{
				WriteMaterialization: rule.Materialization.WriteMaterialization,
				Unit:                 unit,
				Rule:                 rule.Name,
				Variant:              variantName,
			})
		}

		switch matchedAssignment.Kind {
		case catalog.PayloadFallthrough:
			result.FallthroughAssignments = append(result.FallthroughAssignments, token.FallthroughAssignment{
				Rule:         rule.Name,
				AssignmentID: matchedAssignment.AssignmentID,
				Unit:         unit,
			})
			continue
		case catalog.PayloadClientDefault:
			result.Reason = token.ReasonMatch
			result.MatchedRule = rule.Name
			result.Segment = rule.Segment
			result.HasVariant = false
			result.AssignmentID = matchedAssignment.AssignmentID
			result.TargetingKey = unit
			result.TargetingKeySelector = selector
			result.ShouldApply = true
			return result, nil
		case catalog.PayloadVariant:
			variant := flag.Variant(matchedAssignment.VariantName)
			if variant == nil {
				return FlagResolveResult{}, errcode.Wrap("resolver.variant.unknown")
			}
			result.Reason = token.ReasonMatch
			result.MatchedRule = rule.Name
			result.Segment = rule.Segment
			result.HasVariant = true
			result.VariantName = variant.Name
			result.AssignmentID = matchedAssignment.AssignmentID
			result.TargetingKey = unit
			result.TargetingKeySelector = selector
			result.ShouldApply = true
			return result, nil
		}
	}

	if result.Reason != token.ReasonMatch {
		result.ShouldApply = len(result.FallthroughAssignments) > 0
	}
	return result, nil
}

func findVariantAssignmentID(rule catalog.Rule, variantName string) (string, bool) {
	for _, a := range rule.Assignment.Assignments {
		if a.Kind == catalog.PayloadVariant && a.VariantName == variantName {
			return a.AssignmentID, true
		}
	}
	return "", false
}

// segmentNameTail returns everything after the first "/" in a segment name
// ("segments/foo" -> "foo"), the salt component used for variant bucketing.
// A name with no slash is used as-is.
func segmentNameTail(segmentName string) string {
	if idx := strings.IndexByte(segmentName, '/'); idx >= 0 {
		return segmentName[idx+1:]
	}
	return segmentName
}

// extractTargetingKey reads selector from ctx and coerces it to a unit
// string: strings pass through, integral numbers format as decimal,
// missing/null is "not present", anything else (including fractional
// numbers) is a TargetingKeyError.
func extractTargetingKey(ctx targeting.Dynamic, selector string) (unit string, present bool, err error) {
	v := getAttributeValue(ctx, selector)
	switch v.Kind {
	case targeting.DynNull:
		return "", false, nil
	case targeting.DynString:
		return v.Str, true, nil
	case targeting.DynNumber:
		if v.Number != v.Number || v.Number-float64(int64(v.Number)) != 0 {
			return "", false, fmt.Errorf("resolver: fractional targeting key")
		}
		return strconv.FormatInt(int64(v.Number), 10), true, nil
	default:
		return "", false, fmt.Errorf("resolver: non-scalar targeting key")
	}
}

// getAttributeValue resolves a dotted path against ctx, returning a Null
// Dynamic for any missing or non-struct intermediate segment.
func getAttributeValue(ctx targeting.Dynamic, path string) targeting.Dynamic {
	cur := ctx
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if cur.Kind != targeting.DynStruct {
			return targeting.Dynamic{Kind: targeting.DynNull}
		}
		v, ok := cur.Struct[part]
		if !ok {
			return targeting.Dynamic{Kind: targeting.DynNull}
		}
		if i == len(parts)-1 {
			return v
		}
		cur = v
	}
	return targeting.Dynamic{Kind: targeting.DynNull}
}

// segmentMatch evaluates targeting AND bitset membership for segmentName,
// recursing through nested segment criteria with cycle detection. An
// unknown segment name matches false rather than failing. visited is never
// unwound, so any second visit to a segment within one evaluation is fatal,
// whether or not that segment is still on the current path.
func segmentMatch(catalogState *catalog.ResolverState, ctx targeting.Dynamic, accountSalt, segmentName, unit string, visited map[string]bool) (bool, error) {
	if visited[segmentName] {
		return false, fmt.Errorf("resolver: %w", errcode.Wrap("resolver.segment.cycle"))
	}
	visited[segmentName] = true

	segment, ok := catalogState.Segments[segmentName]
	if !ok {
		return false, nil
	}

	matched, err := targetingMatch(catalogState, ctx, accountSalt, segment, unit, visited)
	if err != nil || !matched {
		return false, err
	}

	if segment.Bitset == nil {
		return true, nil
	}
	saltedUnit := bucketing.SaltUnit(accountSalt, unit)
	idx := hasher.HashAndBucket(saltedUnit, bucketing.Buckets)
	return segment.Bitset.Contains(idx), nil
}

func targetingMatch(catalogState *catalog.ResolverState, ctx targeting.Dynamic, accountSalt string, segment *catalog.Segment, unit string, visited map[string]bool) (bool, error) {
	if segment.Targeting == nil {
		return true, nil
	}
	resolve := func(name string) (bool, error) {
		criterion, ok := segment.Targeting.Criteria[name]
		if !ok {
			return false, nil
		}
		switch criterion.Kind {
		case catalog.CriterionAttribute:
			raw := getAttributeValue(ctx, criterion.Attribute.Attribute)
			return targeting.EvaluateAttribute(criterion.Attribute, raw), nil
		case catalog.CriterionSegment:
			return segmentMatch(catalogState, ctx, accountSalt, criterion.SegmentName, unit, visited)
		default:
			return false, nil
		}
	}
	return targeting.Evaluate(segment.Targeting.Expression, resolve)
}
