package targeting_test

import (
	"errors"
	"testing"

	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAttributeEq(t *testing.T) {
	ac := targeting.AttributeCriterion{
		Attribute: "visitor_id",
		Kind:      targeting.RuleEq,
		Eq:        targeting.Value{Kind: targeting.KindString, Str: "tutorial_visitor"},
	}
	require.True(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("tutorial_visitor")))
	require.False(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("someone_else")))
}

func TestEvaluateAttributeSet(t *testing.T) {
	ac := targeting.AttributeCriterion{
		Attribute: "country",
		Kind:      targeting.RuleSet,
		Set: []targeting.Value{
			{Kind: targeting.KindString, Str: "SE"},
			{Kind: targeting.KindString, Str: "NO"},
		},
	}
	require.True(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("NO")))
	require.False(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("DK")))
}

func TestEvaluateAttributeAnyAll(t *testing.T) {
	inner := targeting.InnerRule{Kind: targeting.InnerEq, Eq: targeting.Value{Kind: targeting.KindString, Str: "beta"}}

	any := targeting.AttributeCriterion{Attribute: "tags", Kind: targeting.RuleAny, Inner: inner}
	all := targeting.AttributeCriterion{Attribute: "tags", Kind: targeting.RuleAll, Inner: inner}

	mixed := targeting.DynListOf(targeting.DynStringOf("beta"), targeting.DynStringOf("alpha"))
	uniform := targeting.DynListOf(targeting.DynStringOf("beta"), targeting.DynStringOf("beta"))

	require.True(t, targeting.EvaluateAttribute(any, mixed))
	require.False(t, targeting.EvaluateAttribute(all, mixed))
	require.True(t, targeting.EvaluateAttribute(all, uniform))
}

func TestEvaluateAttributeAllOnEmptyListIsVacuouslyTrue(t *testing.T) {
	inner := targeting.InnerRule{Kind: targeting.InnerEq, Eq: targeting.Value{Kind: targeting.KindString, Str: "x"}}
	all := targeting.AttributeCriterion{Attribute: "tags", Kind: targeting.RuleAll, Inner: inner}
	require.True(t, targeting.EvaluateAttribute(all, targeting.Dynamic{Kind: targeting.DynList}))
}

func TestEvaluateExpressionTree(t *testing.T) {
	resolve := func(name string) (bool, error) {
		switch name {
		case "a":
			return true, nil
		case "b":
			return false, nil
		default:
			return false, errors.New("unknown criterion")
		}
	}

	and := targeting.Expr{Kind: targeting.ExprAnd, Operands: []targeting.Expr{
		{Kind: targeting.ExprRef, Ref: "a"},
		{Kind: targeting.ExprNot, Operand: &targeting.Expr{Kind: targeting.ExprRef, Ref: "b"}},
	}}
	ok, err := targeting.Evaluate(and, resolve)
	require.NoError(t, err)
	require.True(t, ok)

	or := targeting.Expr{Kind: targeting.ExprOr, Operands: []targeting.Expr{
		{Kind: targeting.ExprRef, Ref: "b"},
		{Kind: targeting.ExprRef, Ref: "a"},
	}}
	ok, err = targeting.Evaluate(or, resolve)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = targeting.Evaluate(targeting.Expr{Kind: targeting.ExprRef, Ref: "missing"}, resolve)
	require.Error(t, err)
}

func TestEvaluateShortCircuitsAnd(t *testing.T) {
	calls := 0
	resolve := func(name string) (bool, error) {
		calls++
		return name == "first", nil
	}
	and := targeting.Expr{Kind: targeting.ExprAnd, Operands: []targeting.Expr{
		{Kind: targeting.ExprRef, Ref: "second"},
		{Kind: targeting.ExprRef, Ref: "first"},
	}}
	ok, err := targeting.Evaluate(and, resolve)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, calls)
}
