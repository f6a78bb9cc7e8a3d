package resolver_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confidence-resolver/resolver/pkg/catalog"
	"github.com/confidence-resolver/resolver/pkg/resolver"
	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/confidence-resolver/resolver/pkg/token"
)

func ctxStruct(fields map[string]targeting.Dynamic) targeting.Dynamic {
	return targeting.Dynamic{Kind: targeting.DynStruct, Struct: fields}
}

func everyoneSegment(name string) *catalog.Segment {
	return &catalog.Segment{Name: name}
}

func singleVariantRule(name, segment, variantName, assignmentID string) catalog.Rule {
	return catalog.Rule{
		Name:    name,
		Enabled: true,
		Segment: segment,
		Assignment: catalog.AssignmentSpec{
			BucketCount: 1,
			Assignments: []catalog.Assignment{{
				AssignmentID: assignmentID,
				Ranges:       []catalog.BucketRange{{Lower: 0, Upper: 1}},
				Kind:         catalog.PayloadVariant,
				VariantName:  variantName,
			}},
		},
	}
}

func baseState() *catalog.ResolverState {
	return &catalog.ResolverState{
		AccountID: "acct",
		Flags:     map[string]*catalog.Flag{},
		Segments: map[string]*catalog.Segment{
			"segments/everyone": everyoneSegment("segments/everyone"),
		},
		Secrets: map[string]*catalog.Client{},
	}
}

func TestResolveFlagArchivedShortCircuits(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{Name: "f", State: catalog.FlagArchived}

	result, err := resolver.ResolveFlag(state, flag, ctxStruct(nil), nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonArchived, result.Reason)
	require.False(t, result.ShouldApply)
}

func TestResolveFlagNoContextNoMatch(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:  "f",
		State: catalog.FlagActive,
		Rules: []catalog.Rule{singleVariantRule("r1", "segments/everyone", "on", "a1")},
	}

	result, err := resolver.ResolveFlag(state, flag, ctxStruct(nil), nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonNoSegmentMatch, result.Reason)
	require.False(t, result.ShouldApply)
}

func TestResolveFlagMatchesEveryoneSegment(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on", Value: targeting.DynBoolOf(true)}},
		Rules:    []catalog.Rule{singleVariantRule("r1", "segments/everyone", "on", "a1")},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonMatch, result.Reason)
	require.True(t, result.HasVariant)
	require.Equal(t, "on", result.VariantName)
	require.Equal(t, "a1", result.AssignmentID)
	require.True(t, result.ShouldApply)
}

func TestResolveFlagIntegerTargetingKeyCoercesToDecimalString(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules:    []catalog.Rule{singleVariantRule("r1", "segments/everyone", "on", "a1")},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynNumberOf(26)})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonMatch, result.Reason)
	require.Equal(t, "26", result.TargetingKey)
}

func TestResolveFlagFractionalTargetingKeyIsError(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:  "f",
		State: catalog.FlagActive,
		Rules: []catalog.Rule{singleVariantRule("r1", "segments/everyone", "on", "a1")},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynNumberOf(26.5)})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonTargetingKeyError, result.Reason)
}

func TestResolveFlagFallthroughThenMatch(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules: []catalog.Rule{
			{
				Name:    "r1",
				Enabled: true,
				Segment: "segments/everyone",
				Assignment: catalog.AssignmentSpec{
					BucketCount: 1,
					Assignments: []catalog.Assignment{{
						AssignmentID: "ft1",
						Ranges:       []catalog.BucketRange{{Lower: 0, Upper: 1}},
						Kind:         catalog.PayloadFallthrough,
					}},
				},
			},
			singleVariantRule("r2", "segments/everyone", "on", "a2"),
		},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonMatch, result.Reason)
	require.Equal(t, "r2", result.MatchedRule)
	require.Len(t, result.FallthroughAssignments, 1)
	require.Equal(t, "r1", result.FallthroughAssignments[0].Rule)
	require.Equal(t, "ft1", result.FallthroughAssignments[0].AssignmentID)
}

func TestResolveFlagUnknownSegmentSkipsRule(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:  "f",
		State: catalog.FlagActive,
		Rules: []catalog.Rule{singleVariantRule("r1", "segments/missing", "on", "a1")},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonNoSegmentMatch, result.Reason)
}

func TestResolveFlagCyclicSegmentIsFatal(t *testing.T) {
	state := baseState()
	state.Segments["segments/a"] = &catalog.Segment{
		Name: "segments/a",
		Targeting: &catalog.Targeting{
			Criteria: map[string]catalog.Criterion{
				"ref-b": {Kind: catalog.CriterionSegment, SegmentName: "segments/b"},
			},
			Expression: targeting.Expr{Kind: targeting.ExprRef, Ref: "ref-b"},
		},
	}
	state.Segments["segments/b"] = &catalog.Segment{
		Name: "segments/b",
		Targeting: &catalog.Targeting{
			Criteria: map[string]catalog.Criterion{
				"ref-a": {Kind: catalog.CriterionSegment, SegmentName: "segments/a"},
			},
			Expression: targeting.Expr{Kind: targeting.ExprRef, Ref: "ref-a"},
		},
	}
	flag := &catalog.Flag{
		Name:  "f",
		State: catalog.FlagActive,
		Rules: []catalog.Rule{singleVariantRule("r1", "segments/a", "on", "a1")},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	_, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.Error(t, err)
}

func TestResolveFlagSegmentTargetingAttributeMatch(t *testing.T) {
	state := baseState()
	state.Segments["segments/us"] = &catalog.Segment{
		Name: "segments/us",
		Targeting: &catalog.Targeting{
			Criteria: map[string]catalog.Criterion{
				"country-eq": {
					Kind: catalog.CriterionAttribute,
					Attribute: targeting.AttributeCriterion{
						Attribute: "country",
						Kind:      targeting.RuleEq,
						Eq:        targeting.Value{Kind: targeting.KindString, Str: "US"},
					},
				},
			},
			Expression: targeting.Expr{Kind: targeting.ExprRef, Ref: "country-eq"},
		},
	}
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules:    []catalog.Rule{singleVariantRule("r1", "segments/us", "on", "a1")},
	}

	matchCtx := ctxStruct(map[string]targeting.Dynamic{
		"targeting_key": targeting.DynStringOf("user-1"),
		"country":       targeting.DynStringOf("US"),
	})
	result, err := resolver.ResolveFlag(state, flag, matchCtx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonMatch, result.Reason)

	noMatchCtx := ctxStruct(map[string]targeting.Dynamic{
		"targeting_key": targeting.DynStringOf("user-1"),
		"country":       targeting.DynStringOf("DE"),
	})
	result, err = resolver.ResolveFlag(state, flag, noMatchCtx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonNoSegmentMatch, result.Reason)
}

func TestResolveFlagMissingMaterializationSurfaces(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules: []catalog.Rule{
			{
				Name:    "r1",
				Enabled: true,
				Segment: "segments/everyone",
				Assignment: catalog.AssignmentSpec{
					BucketCount: 1,
					Assignments: []catalog.Assignment{{
						AssignmentID: "a1",
						Ranges:       []catalog.BucketRange{{Lower: 0, Upper: 1}},
						Kind:         catalog.PayloadVariant,
						VariantName:  "on",
					}},
				},
				Materialization: &catalog.MaterializationSpec{ReadMaterialization: "exp-1"},
			},
		},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	_, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.Error(t, err)
	var missing *resolver.MissingMaterializationsError
	require.True(t, errors.As(err, &missing))
	require.Len(t, missing.Items, 1)
	require.Equal(t, "user-1", missing.Items[0].Unit)
	require.Equal(t, "exp-1", missing.Items[0].ReadMaterialization)
}

func TestResolveFlagMustMatchModeSkipsUnitAbsentFromMaterialization(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules: []catalog.Rule{
			{
				Name:    "r1",
				Enabled: true,
				Segment: "segments/everyone",
				Assignment: catalog.AssignmentSpec{
					BucketCount: 1,
					Assignments: []catalog.Assignment{{
						AssignmentID: "a1",
						Ranges:       []catalog.BucketRange{{Lower: 0, Upper: 1}},
						Kind:         catalog.PayloadVariant,
						VariantName:  "on",
					}},
				},
				Materialization: &catalog.MaterializationSpec{
					ReadMaterialization: "exp-1",
					Mode:                catalog.MaterializationMode{MustMatch: true},
				},
			},
		},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})
	sticky := resolver.StickyContext{
		"user-1": {InfoMap: map[string]resolver.MaterializationInfo{
			"exp-1": {UnitInInfo: false},
		}},
	}

	result, err := resolver.ResolveFlag(state, flag, ctx, sticky)
	require.NoError(t, err)
	require.Equal(t, token.ReasonNoSegmentMatch, result.Reason)
}

func TestResolveFlagStickyPinnedVariantIsTerminal(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "treatment"}, {Name: "control"}},
		Rules: []catalog.Rule{
			{
				Name:    "r1",
				Enabled: true,
				Segment: "segments/everyone",
				Assignment: catalog.AssignmentSpec{
					BucketCount: 1,
					Assignments: []catalog.Assignment{{
						AssignmentID: "a-control",
						Ranges:       []catalog.BucketRange{{Lower: 0, Upper: 1}},
						Kind:         catalog.PayloadVariant,
						VariantName:  "control",
					}, {
						AssignmentID: "a-treatment",
						Ranges:       []catalog.BucketRange{{Lower: 0, Upper: 1}},
						Kind:         catalog.PayloadVariant,
						VariantName:  "treatment",
					}},
				},
				Materialization: &catalog.MaterializationSpec{
					ReadMaterialization: "exp-1",
					Mode:                catalog.MaterializationMode{SegmentTargetingIgnored: true},
				},
			},
		},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})
	sticky := resolver.StickyContext{
		"user-1": {InfoMap: map[string]resolver.MaterializationInfo{
			"exp-1": {UnitInInfo: true, RuleToVariant: map[string]string{"r1": "treatment"}},
		}},
	}

	result, err := resolver.ResolveFlag(state, flag, ctx, sticky)
	require.NoError(t, err)
	require.Equal(t, token.ReasonMatch, result.Reason)
	require.Equal(t, "treatment", result.VariantName)
	require.Equal(t, "a-treatment", result.AssignmentID)
}

func TestResolveFlagUnknownVariantReferenceIsFatal(t *testing.T) {
	state := baseState()
	flag := &catalog.Flag{
		Name:  "f",
		State: catalog.FlagActive,
		Rules: []catalog.Rule{singleVariantRule("r1", "segments/everyone", "does-not-exist", "a1")},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	_, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.Error(t, err)
}

func TestResolveFlagDisabledRuleIsSkipped(t *testing.T) {
	state := baseState()
	rule := singleVariantRule("r1", "segments/everyone", "on", "a1")
	rule.Enabled = false
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules:    []catalog.Rule{rule},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{"targeting_key": targeting.DynStringOf("user-1")})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonNoSegmentMatch, result.Reason)
}

func TestResolveFlagCustomTargetingKeySelector(t *testing.T) {
	state := baseState()
	rule := singleVariantRule("r1", "segments/everyone", "on", "a1")
	rule.TargetingKeySelector = "user.id"
	flag := &catalog.Flag{
		Name:     "f",
		State:    catalog.FlagActive,
		Variants: []catalog.Variant{{Name: "on"}},
		Rules:    []catalog.Rule{rule},
	}
	ctx := ctxStruct(map[string]targeting.Dynamic{
		"user": targeting.Dynamic{Kind: targeting.DynStruct, Struct: map[string]targeting.Dynamic{
			"id": targeting.DynStringOf("nested-user"),
		}},
	})

	result, err := resolver.ResolveFlag(state, flag, ctx, nil)
	require.NoError(t, err)
	require.Equal(t, token.ReasonMatch, result.Reason)
	require.Equal(t, "nested-user", result.TargetingKey)
	require.Equal(t, "user.id", result.TargetingKeySelector)
}
