package targeting_test

import (
	"testing"

	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/stretchr/testify/require"
)

func TestConvertNumberToNumber(t *testing.T) {
	v, err := targeting.Convert(targeting.DynNumberOf(123.4), targeting.KindNumber)
	require.NoError(t, err)
	require.Equal(t, 123.4, v.Number)
}

func TestConvertNumberToString(t *testing.T) {
	v, err := targeting.Convert(targeting.DynNumberOf(123.4), targeting.KindString)
	require.NoError(t, err)
	require.Equal(t, "123.4", v.Str)
}

func TestConvertStringToBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true,
		"false": false, "FALSE": false,
		"rnd": false,
	}
	for in, want := range cases {
		v, err := targeting.Convert(targeting.DynStringOf(in), targeting.KindBool)
		require.NoError(t, err)
		require.Equal(t, want, v.Bool, in)
	}
}

func TestConvertStringToNumber(t *testing.T) {
	v1, err := targeting.Convert(targeting.DynStringOf("123"), targeting.KindNumber)
	require.NoError(t, err)
	require.Equal(t, 123.0, v1.Number)

	v2, err := targeting.Convert(targeting.DynStringOf("123.4"), targeting.KindNumber)
	require.NoError(t, err)
	require.Equal(t, 123.4, v2.Number)
}

func TestConvertStringToTimestampVariants(t *testing.T) {
	expected, err := targeting.ParseTimestamp("2022-11-17T15:16:17.118Z")
	require.NoError(t, err)

	for _, in := range []string{
		"2022-11-17T15:16:17.118Z",
		"2022-11-17 15:16:17.118Z",
	} {
		v, err := targeting.Convert(targeting.DynStringOf(in), targeting.KindTimestamp)
		require.NoError(t, err, in)
		require.Equal(t, expected, v.Timestamp, in)
	}
}

func TestConvertStringToTimestampNoZone(t *testing.T) {
	withNanos, err := targeting.ParseTimestamp("2022-11-17T15:16:17.118Z")
	require.NoError(t, err)
	zeroNanos, err := targeting.ParseTimestamp("2022-11-17T15:16:17.000Z")
	require.NoError(t, err)

	for _, in := range []string{"2022-11-17T15:16:17.118", "2022-11-17 15:16:17.118"} {
		v, err := targeting.Convert(targeting.DynStringOf(in), targeting.KindTimestamp)
		require.NoError(t, err, in)
		require.Equal(t, withNanos, v.Timestamp, in)
	}
	for _, in := range []string{"2022-11-17T15:16:17", "2022-11-17 15:16:17"} {
		v, err := targeting.Convert(targeting.DynStringOf(in), targeting.KindTimestamp)
		require.NoError(t, err, in)
		require.Equal(t, zeroNanos, v.Timestamp, in)
	}
}

func TestConvertStringToTimestampZoned(t *testing.T) {
	v, err := targeting.Convert(targeting.DynStringOf("2022-11-17T15:16:17+01:00"), targeting.KindTimestamp)
	require.NoError(t, err)
	expected, err := targeting.ParseTimestamp("2022-11-17T14:16:17Z")
	require.NoError(t, err)
	require.Equal(t, expected, v.Timestamp)
}

func TestConvertStringToTimestampDateOnly(t *testing.T) {
	v, err := targeting.Convert(targeting.DynStringOf("2022-11-17"), targeting.KindTimestamp)
	require.NoError(t, err)
	expected, err := targeting.ParseTimestamp("2022-11-17T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, expected, v.Timestamp)
}

func TestConvertStringToVersion(t *testing.T) {
	v, err := targeting.Convert(targeting.DynStringOf("4.16.2"), targeting.KindVersion)
	require.NoError(t, err)
	require.Equal(t, "4.16.2", v.Version)
}

func TestConvertBoolToBool(t *testing.T) {
	v, err := targeting.Convert(targeting.DynBoolOf(true), targeting.KindBool)
	require.NoError(t, err)
	require.True(t, v.Bool)
}

func TestConvertStructToStringNull(t *testing.T) {
	v, err := targeting.Convert(targeting.Dynamic{Kind: targeting.DynStruct, Struct: map[string]targeting.Dynamic{}}, targeting.KindString)
	require.NoError(t, err)
	require.Equal(t, "null", v.Str)
}

func TestSemverRangeSemantics(t *testing.T) {
	lo := targeting.Value{Kind: targeting.KindVersion, Version: "1.4.0"}
	hi := targeting.Value{Kind: targeting.KindVersion, Version: "1.4.5"}
	rule := targeting.RangeRule{
		Start: &targeting.RangeBound{Value: lo, Inclusive: true},
		End:   &targeting.RangeBound{Value: hi, Inclusive: false},
	}
	ac := targeting.AttributeCriterion{Attribute: "version", Kind: targeting.RuleRange, Range: rule}

	require.True(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("1.4.0")))
	require.True(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("1.4.2")))
	require.False(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("1.4.5")))
	require.False(t, targeting.EvaluateAttribute(ac, targeting.DynStringOf("1.5.1")))
}

func TestInvalidVersionFallsBackToZero(t *testing.T) {
	lo := targeting.Value{Kind: targeting.KindVersion, Version: "1.0.0"}
	a := targeting.Value{Kind: targeting.KindVersion, Version: "not-a-version"}
	require.True(t, a.Less(lo))
}
