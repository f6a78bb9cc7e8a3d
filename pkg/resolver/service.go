package resolver

import (
	"crypto/rand"
	"fmt"

	"github.com/confidence-resolver/resolver/pkg/catalog"
	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/confidence-resolver/resolver/pkg/telemetry"
	"github.com/confidence-resolver/resolver/pkg/token"
)

// Host supplies the two pieces of non-deterministic, non-pure behavior the
// otherwise-synchronous engine needs: wall-clock time and identifier
// randomness. A caller embedding this engine in a constrained runtime
// (WASM, a test harness) can substitute both.
type Host interface {
	CurrentTime() targeting.Timestamp
	RandomAlphanumeric(n int) string
}

type systemHost struct{ clock func() targeting.Timestamp }

func (h systemHost) CurrentTime() targeting.Timestamp { return h.clock() }

func (h systemHost) RandomAlphanumeric(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// RandomAlphanumeric has no error return, so a crypto/rand failure
		// is not reported: the id falls back to the alphabet in order,
		// which is deterministic and not random.
		for i := range out {
			out[i] = alphabet[i%len(alphabet)]
		}
		return string(out)
	}
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}

// NewSystemHost builds a Host using crypto/rand and the given clock, which
// is normally time.Now but is a parameter so tests can fix the clock.
func NewSystemHost(clock func() targeting.Timestamp) Host {
	return systemHost{clock: clock}
}

// Service ties the pure resolution engine to a catalog, a token cipher, and
// the telemetry aggregators, exposing the request/response shapes that sit
// at the engine's external boundary.
type Service struct {
	Catalog       *catalog.ResolverState
	Host          Host
	Cipher        *token.Cipher
	ResolveLogger *telemetry.ResolveLogger
	AssignLogger  *telemetry.AssignLogger
}

// ResolveFlagsRequest is one resolve call's input.
type ResolveFlagsRequest struct {
	ClientSecret      string
	Flags             []string // empty means "every candidate flag"
	EvaluationContext targeting.Dynamic
	Apply             bool
	SDK               string
}

// ResolvedFlag is one flag's result as returned to the caller (distinct
// from token.AssignedFlag, which is the superset recorded for apply
// reconciliation).
type ResolvedFlag struct {
	Flag        string
	Variant     string
	HasVariant  bool
	Value       targeting.Dynamic
	SchemaPath  string
	Reason      token.Reason
	ShouldApply bool
}

// ResolveFlagsResponse is one resolve call's output.
type ResolveFlagsResponse struct {
	ResolveID     string
	ResolvedFlags []ResolvedFlag
	ResolveToken  []byte // nil when Apply was requested
}

// ResolveWithStickyRequest adds sticky-assignment inputs to a plain resolve.
type ResolveWithStickyRequest struct {
	Request          ResolveFlagsRequest
	FailFastOnSticky bool
	Sticky           StickyContext
}

// ResolveWithStickyResponse is either a completed resolve or a request for
// more materialization state.
type ResolveWithStickyResponse struct {
	Success *ResolveFlagsResponse
	Missing []MissingMaterializationItem
}

// ResolveFlags runs resolve_flags without sticky assignment support.
func (s *Service) ResolveFlags(req ResolveFlagsRequest) (*ResolveFlagsResponse, error) {
	resp, err := s.ResolveWithSticky(ResolveWithStickyRequest{Request: req, FailFastOnSticky: true})
	if err != nil {
		return nil, err
	}
	if resp.Success == nil {
		return nil, fmt.Errorf("resolver: sticky materialization required but none supplied")
	}
	return resp.Success, nil
}

// ResolveWithSticky runs resolve_flags_sticky: candidate selection, per-flag
// evaluation, missing-materialization aggregation, token issuance or
// apply-log emission, and the unconditional resolve-log entry.
func (s *Service) ResolveWithSticky(req ResolveWithStickyRequest) (*ResolveWithStickyResponse, error) {
	client, ok := s.Catalog.Secrets[req.Request.ClientSecret]
	if !ok {
		return nil, fmt.Errorf("resolver: unknown client secret")
	}

	if unit, present, err := extractTargetingKey(req.Request.EvaluationContext, DefaultTargetingKey); err == nil && present && len(unit) > MaxTargetingKeyLength {
		return nil, ErrTargetingKeyTooLong
	}

	timestamp := s.Host.CurrentTime()
	candidates, err := s.candidateFlags(client.ClientName, req.Request.Flags)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		name   string
		result FlagResolveResult
	}
	outcomes := make([]outcome, 0, len(candidates))
	var missing []MissingMaterializationItem

	for _, name := range candidates {
		flag := s.Catalog.Flags[name]
		result, err := ResolveFlag(s.Catalog, flag, req.Request.EvaluationContext, req.Sticky)
		if err != nil {
			var missErr *MissingMaterializationsError
			if asMissing(err, &missErr) {
				if req.FailFastOnSticky {
					return &ResolveWithStickyResponse{Missing: nil}, nil
				}
				missing = append(missing, missErr.Items...)
				continue
			}
			return nil, err
		}
		outcomes = append(outcomes, outcome{name: name, result: result})
	}

	if len(missing) > 0 {
		return &ResolveWithStickyResponse{Missing: missing}, nil
	}

	resolveID := s.Host.RandomAlphanumeric(32)
	resp := &ResolveFlagsResponse{ResolveID: resolveID}
	resolvedForTelemetry := make([]telemetry.ResolvedValue, 0, len(outcomes))
	assignedFlags := map[string]token.AssignedFlag{}

	for _, o := range outcomes {
		flag := s.Catalog.Flags[o.name]
		var value targeting.Dynamic
		if o.result.HasVariant {
			if v := flag.Variant(o.result.VariantName); v != nil {
				value = v.Value
			}
		}
		resp.ResolvedFlags = append(resp.ResolvedFlags, ResolvedFlag{
			Flag:        o.name,
			Variant:     o.result.VariantName,
			HasVariant:  o.result.HasVariant,
			Value:       value,
			SchemaPath:  flag.SchemaFieldPath,
			Reason:      o.result.Reason,
			ShouldApply: o.result.ShouldApply,
		})
		assignedFlags[o.name] = o.result.toAssignedFlag(o.name)
		resolvedForTelemetry = append(resolvedForTelemetry, telemetry.ResolvedValue{
			FlagName:         o.name,
			Matched:          o.result.Reason == token.ReasonMatch,
			MatchedRule:      o.result.MatchedRule,
			AssignmentID:     o.result.AssignmentID,
			VariantName:      o.result.VariantName,
			FallthroughRules: o.result.FallthroughAssignments,
		})
	}

	s.ResolveLogger.LogResolve(req.Request.EvaluationContext, client.ClientCredentialName, resolvedForTelemetry)
	s.ResolveLogger.ObserveSDK(req.Request.SDK)

	if req.Request.Apply {
		var toApply []telemetry.FlagToApply
		for _, o := range outcomes {
			if !o.result.ShouldApply {
				continue
			}
			toApply = append(toApply, telemetry.FlagToApply{
				AssignedFlag:            o.result.toAssignedFlag(o.name),
				SkewAdjustedAppliedTime: timestamp,
			})
		}
		s.logAssigns(resolveID, client, req.Request.SDK, toApply)
	} else if s.Cipher != nil {
		sealed, err := s.Cipher.Seal(token.Token{
			ResolveID:         resolveID,
			EvaluationContext: req.Request.EvaluationContext,
			Flags:             assignedFlags,
		})
		if err != nil {
			return nil, err
		}
		resp.ResolveToken = sealed
	}

	return &ResolveWithStickyResponse{Success: resp}, nil
}

// ApplyFlagsRequest is apply_flags' input.
type ApplyFlagsRequest struct {
	ClientSecret string
	ResolveToken []byte
	Flags        map[string]targeting.Timestamp // flag name -> apply_time
	SendTime     targeting.Timestamp
	SDK          string
}

// ApplyFlags decrypts the resolve token, applies the send/apply skew
// correction, and emits one apply-log entry per flag named in the request.
func (s *Service) ApplyFlags(req ApplyFlagsRequest) error {
	client, ok := s.Catalog.Secrets[req.ClientSecret]
	if !ok {
		return fmt.Errorf("resolver: unknown client secret")
	}
	if s.Cipher == nil {
		return fmt.Errorf("resolver: apply requires a token cipher")
	}
	t, err := s.Cipher.Open(req.ResolveToken)
	if err != nil {
		return err
	}

	receiveTime := s.Host.CurrentTime()

	var toApply []telemetry.FlagToApply
	for name, applyTime := range req.Flags {
		assigned, ok := t.Flags[name]
		if !ok {
			return fmt.Errorf("resolver: apply_flags flag %q not present in resolve token", name)
		}
		skewSeconds := req.SendTime.Seconds - applyTime.Seconds
		adjusted := targeting.Timestamp{
			Seconds: receiveTime.Seconds - skewSeconds,
			Nanos:   receiveTime.Nanos,
		}
		toApply = append(toApply, telemetry.FlagToApply{AssignedFlag: assigned, SkewAdjustedAppliedTime: adjusted})
	}

	s.logAssigns(t.ResolveID, client, req.SDK, toApply)
	return nil
}

func (s *Service) logAssigns(resolveID string, client *catalog.Client, sdk string, toApply []telemetry.FlagToApply) {
	if len(toApply) == 0 {
		return
	}
	event := telemetry.FlagAssigned{
		ResolveID: resolveID,
		ClientInfo: &telemetry.ClientInfo{
			Client:           client.ClientName,
			ClientCredential: client.ClientCredentialName,
			SDK:              sdk,
		},
	}
	for _, fa := range toApply {
		var assignment *telemetry.AssignmentInfo
		var def *telemetry.DefaultAssignment
		if fa.AssignedFlag.Variant != "" {
			assignment = &telemetry.AssignmentInfo{Segment: fa.AssignedFlag.Segment, Variant: fa.AssignedFlag.Variant}
		} else {
			def = &telemetry.DefaultAssignment{Reason: defaultAssignmentReason(fa.AssignedFlag.Reason)}
		}
		event.Flags = append(event.Flags, telemetry.AppliedFlag{
			Flag:                   fa.AssignedFlag.Flag,
			TargetingKey:           fa.AssignedFlag.TargetingKey,
			TargetingKeySelector:   fa.AssignedFlag.TargetingKeySelector,
			AssignmentID:           fa.AssignedFlag.AssignmentID,
			Rule:                   fa.AssignedFlag.Rule,
			FallthroughAssignments: fa.AssignedFlag.FallthroughAssignments,
			ApplyTime:              fa.SkewAdjustedAppliedTime,
			Assignment:             assignment,
			Default:                def,
		})
	}
	s.AssignLogger.LogAssigns(event)
}

func defaultAssignmentReason(r token.Reason) telemetry.DefaultAssignmentReason {
	switch r {
	case token.ReasonNoSegmentMatch:
		return telemetry.DefaultAssignmentNoSegmentMatch
	case token.ReasonArchived:
		return telemetry.DefaultAssignmentFlagArchived
	default:
		return telemetry.DefaultAssignmentUnspecified
	}
}

// candidateFlags returns active flags allowed for clientName, filtered by
// an explicit request list if one was given. It errors rather than
// truncates when the result would exceed MaxFlagsPerResolve, since a
// caller who thinks all of its requested flags resolved but silently got
// fewer back is worse than a request failure.
func (s *Service) candidateFlags(clientName string, requested []string) ([]string, error) {
	var names []string
	if len(requested) > 0 {
		names = requested
	} else {
		for name := range s.Catalog.Flags {
			names = append(names, name)
		}
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		flag, ok := s.Catalog.Flags[name]
		if !ok || flag.State == catalog.FlagArchived {
			continue
		}
		if _, allowed := flag.AllowedClients[clientName]; !allowed {
			continue
		}
		out = append(out, name)
	}
	if len(out) > MaxFlagsPerResolve {
		return nil, fmt.Errorf("resolver: max %d flags allowed in a single resolve request, this request would return %d flags", MaxFlagsPerResolve, len(out))
	}
	return out, nil
}

func asMissing(err error, target **MissingMaterializationsError) bool {
	if m, ok := err.(*MissingMaterializationsError); ok {
		*target = m
		return true
	}
	return false
}
