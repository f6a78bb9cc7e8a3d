package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/confidence-resolver/resolver/pkg/schema"
	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/confidence-resolver/resolver/pkg/token"
)

// counterMap is a lock-free get-or-insert map of named atomic counters,
// standing in for the reference implementation's papaya::HashMap<String,
// AtomicU32> — Go's sync.Map gives the same "insert wins a race, readers
// never block" property for this access pattern (write-heavy on a small,
// bounded key set per flag).
type counterMap struct {
	m sync.Map // string -> *atomic.Int64
}

func (c *counterMap) increment(key string) {
	v, _ := c.m.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (c *counterMap) snapshot() map[string]int64 {
	out := map[string]int64{}
	c.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

type ruleResolveInfo struct {
	count            atomic.Int64
	assignmentCounts counterMap
}

type flagResolveInfo struct {
	variantResolveInfo counterMap
	ruleResolveInfo    sync.Map // string -> *ruleResolveInfo
}

func (f *flagResolveInfo) ruleInfo(name string) *ruleResolveInfo {
	v, _ := f.ruleResolveInfo.LoadOrStore(name, &ruleResolveInfo{})
	return v.(*ruleResolveInfo)
}

type clientResolveInfo struct {
	schemas sync.Map // schema key -> schema.Derived
}

// resolveInfoState is one checkpoint epoch's worth of counters. Every field
// is independently safe for concurrent access. LogResolve holds
// ResolveLogger.mu for reading while it increments, and Checkpoint swaps
// the pointer under the write lock, so every increment lands in exactly one
// state and lands before checkpoint reads the state it swapped out.
type resolveInfoState struct {
	flagResolveInfo   sync.Map // flag name -> *flagResolveInfo
	clientResolveInfo sync.Map // client credential -> *clientResolveInfo
	resolveCount      atomic.Int64
}

func newResolveInfoState() *resolveInfoState {
	return &resolveInfoState{}
}

func (s *resolveInfoState) flagInfo(name string) *flagResolveInfo {
	v, _ := s.flagResolveInfo.LoadOrStore(name, &flagResolveInfo{})
	return v.(*flagResolveInfo)
}

func (s *resolveInfoState) clientInfo(credential string) *clientResolveInfo {
	v, _ := s.clientResolveInfo.LoadOrStore(credential, &clientResolveInfo{})
	return v.(*clientResolveInfo)
}

// ResolvedValue is what log_resolve needs to know about one flag's outcome
// within a single resolve_flags call: which rule matched (if any), which
// variant it produced, and every rule it fell through on the way there.
type ResolvedValue struct {
	FlagName         string
	MatchedRule      string
	AssignmentID     string
	VariantName      string // empty when the match has no variant
	Matched          bool
	FallthroughRules []token.FallthroughAssignment
}

// ResolveLogger accumulates per-resolve counters and per-credential schema
// observations behind an atomically-swapped state handle. The hot path
// takes a read lock and touches only atomics and sync.Map; checkpoint holds
// the write lock just for the pointer swap.
type ResolveLogger struct {
	mu               sync.RWMutex
	state            atomic.Pointer[resolveInfoState]
	clientInstanceID string
	sdkObserved      atomic.Pointer[string]
}

func NewResolveLogger(clientInstanceID string) *ResolveLogger {
	l := &ResolveLogger{clientInstanceID: clientInstanceID}
	l.state.Store(newResolveInfoState())
	return l
}

// LogResolve records one resolve_flags call's outcome: a resolve-count
// increment, a schema observation for the calling credential, and per-flag
// variant/rule/assignment counters for every resolved value.
func (l *ResolveLogger) LogResolve(ctx targeting.Dynamic, clientCredential string, values []ResolvedValue) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state := l.state.Load()
	state.resolveCount.Add(1)

	derived := schema.GetSchema(ctx)
	ci := state.clientInfo(clientCredential)
	ci.schemas.LoadOrStore(schemaKey(derived), derived)

	for _, v := range values {
		fi := state.flagInfo(v.FlagName)
		for _, ft := range v.FallthroughRules {
			ri := fi.ruleInfo(ft.Rule)
			ri.count.Add(1)
			ri.assignmentCounts.increment(ft.AssignmentID)
		}
		if v.Matched {
			fi.variantResolveInfo.increment(v.VariantName)
			ri := fi.ruleInfo(v.MatchedRule)
			ri.count.Add(1)
			ri.assignmentCounts.increment(v.AssignmentID)
		} else {
			fi.variantResolveInfo.increment("")
		}
	}
}

// ObserveSDK records the first SDK identity seen within the current
// checkpoint window; later calls within the same window are ignored
// (first-writer-wins), matching the spec's described behavior.
func (l *ResolveLogger) ObserveSDK(sdk string) {
	if sdk == "" {
		return
	}
	l.sdkObserved.CompareAndSwap(nil, &sdk)
}

// Checkpoint swaps in a fresh state and materializes the swapped-out one
// into a WriteFlagLogsRequest-shaped snapshot.
func (l *ResolveLogger) Checkpoint() WriteFlagLogsRequest {
	l.mu.Lock()
	old := l.state.Swap(newResolveInfoState())
	l.mu.Unlock()
	sdk := l.sdkObserved.Swap(nil)

	snapshot := &ResolveInfoSnapshot{
		ResolveCount:     old.resolveCount.Load(),
		ClientInstanceID: l.clientInstanceID,
		FlagResolveInfo:  map[string]FlagResolveSnapshot{},
		ClientSchemas:    map[string][]schema.Derived{},
	}
	if sdk != nil {
		snapshot.ObservedSDK = *sdk
	}

	old.flagResolveInfo.Range(func(k, v any) bool {
		name := k.(string)
		fi := v.(*flagResolveInfo)
		fs := FlagResolveSnapshot{
			VariantCounts: fi.variantResolveInfo.snapshot(),
			RuleInfo:      map[string]RuleResolveSnapshot{},
		}
		fi.ruleResolveInfo.Range(func(rk, rv any) bool {
			ruleName := rk.(string)
			ri := rv.(*ruleResolveInfo)
			fs.RuleInfo[ruleName] = RuleResolveSnapshot{
				Count:            ri.count.Load(),
				AssignmentCounts: ri.assignmentCounts.snapshot(),
			}
			return true
		})
		snapshot.FlagResolveInfo[name] = fs
		return true
	})

	old.clientResolveInfo.Range(func(k, v any) bool {
		credential := k.(string)
		ci := v.(*clientResolveInfo)
		var schemas []schema.Derived
		ci.schemas.Range(func(_, sv any) bool {
			schemas = append(schemas, sv.(schema.Derived))
			return true
		})
		snapshot.ClientSchemas[credential] = schemas
		return true
	})

	return WriteFlagLogsRequest{ResolveInfo: snapshot}
}

// RuleResolveSnapshot is one rule's checkpointed counters.
type RuleResolveSnapshot struct {
	Count            int64
	AssignmentCounts map[string]int64
}

// FlagResolveSnapshot is one flag's checkpointed counters.
type FlagResolveSnapshot struct {
	VariantCounts map[string]int64
	RuleInfo      map[string]RuleResolveSnapshot
}

// ResolveInfoSnapshot is ResolveLogger's checkpoint output.
type ResolveInfoSnapshot struct {
	ResolveCount     int64
	ClientInstanceID string
	ObservedSDK      string
	FlagResolveInfo  map[string]FlagResolveSnapshot
	ClientSchemas    map[string][]schema.Derived
}

// schemaKey canonicalizes a Derived schema into a dedup key, standing in
// for the reference implementation's derive(Hash, Eq) on DerivedClientSchema.
func schemaKey(d schema.Derived) string {
	paths := d.SortedFieldPaths()
	key := make([]byte, 0, 64)
	for _, p := range paths {
		key = append(key, p...)
		key = append(key, ':', byte(d.Fields[p]), ',')
		if st, ok := d.SemanticTypes[p]; ok {
			key = append(key, '(', byte(st), ')')
		}
	}
	return string(key)
}
