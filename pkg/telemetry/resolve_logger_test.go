package telemetry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/confidence-resolver/resolver/pkg/telemetry"
)

func ctxWithCountry(country string) targeting.Dynamic {
	return targeting.Dynamic{
		Kind: targeting.DynStruct,
		Struct: map[string]targeting.Dynamic{
			"country": targeting.DynStringOf(country),
		},
	}
}

func TestLogResolveIncrementsResolveCount(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	l.LogResolve(ctxWithCountry("US"), "cred-1", nil)
	l.LogResolve(ctxWithCountry("US"), "cred-1", nil)

	snap := l.Checkpoint()
	require.Equal(t, int64(2), snap.ResolveInfo.ResolveCount)
}

func TestLogResolveTracksVariantAndRuleCounts(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	l.LogResolve(ctxWithCountry("US"), "cred-1", []telemetry.ResolvedValue{
		{FlagName: "checkout-flow", Matched: true, MatchedRule: "default", AssignmentID: "a1", VariantName: "treatment"},
	})

	snap := l.Checkpoint()
	fi := snap.ResolveInfo.FlagResolveInfo["checkout-flow"]
	require.Equal(t, int64(1), fi.VariantCounts["treatment"])
	require.Equal(t, int64(1), fi.RuleInfo["default"].Count)
	require.Equal(t, int64(1), fi.RuleInfo["default"].AssignmentCounts["a1"])
}

func TestLogResolveUnmatchedCountsEmptyVariant(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	l.LogResolve(ctxWithCountry("US"), "cred-1", []telemetry.ResolvedValue{
		{FlagName: "checkout-flow", Matched: false},
	})

	snap := l.Checkpoint()
	require.Equal(t, int64(1), snap.ResolveInfo.FlagResolveInfo["checkout-flow"].VariantCounts[""])
}

func TestCheckpointResetsCountersForNextWindow(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	l.LogResolve(ctxWithCountry("US"), "cred-1", nil)
	_ = l.Checkpoint()

	second := l.Checkpoint()
	require.Equal(t, int64(0), second.ResolveInfo.ResolveCount)
}

func TestLogResolveRecordsSchemaPerCredential(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	l.LogResolve(ctxWithCountry("US"), "cred-1", nil)

	snap := l.Checkpoint()
	require.Len(t, snap.ResolveInfo.ClientSchemas["cred-1"], 1)
	require.Contains(t, snap.ResolveInfo.ClientSchemas["cred-1"][0].SemanticTypes, "country")
}

func TestLogResolveConcurrentCallsConserveTotalCount(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			l.LogResolve(ctxWithCountry("US"), "cred-1", nil)
		}()
	}
	wg.Wait()

	snap := l.Checkpoint()
	require.Equal(t, int64(n), snap.ResolveInfo.ResolveCount)
}

func TestObserveSDKFirstWriterWins(t *testing.T) {
	l := telemetry.NewResolveLogger("instance-1")
	l.ObserveSDK("sdk-a")
	l.ObserveSDK("sdk-b")

	snap := l.Checkpoint()
	require.Equal(t, "sdk-a", snap.ResolveInfo.ObservedSDK)
}
