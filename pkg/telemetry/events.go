// Package telemetry implements the two sibling aggregators that turn live
// resolve/apply traffic into periodic checkpointed batches: ResolveLogger
// (counters + schema) and AssignLogger (a queue of per-apply events).
package telemetry

import (
	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/confidence-resolver/resolver/pkg/token"
)

// DefaultAssignmentReason mirrors the wire ResolveReason values carried on
// an AppliedFlag that resolved to no variant.
type DefaultAssignmentReason int

const (
	DefaultAssignmentUnspecified DefaultAssignmentReason = iota
	DefaultAssignmentNoSegmentMatch
	DefaultAssignmentNoTreatmentMatch
	DefaultAssignmentFlagArchived
)

// AssignmentInfo is carried on an AppliedFlag that did resolve to a variant.
type AssignmentInfo struct {
	Segment string
	Variant string
}

// DefaultAssignment is carried on an AppliedFlag that resolved to no
// variant, annotated with why.
type DefaultAssignment struct {
	Reason DefaultAssignmentReason
}

// AppliedFlag is one flag's apply-time record within a FlagAssigned event.
// Assignment is exactly one of *AssignmentInfo or *DefaultAssignment.
type AppliedFlag struct {
	Flag                   string
	TargetingKey           string
	TargetingKeySelector   string
	AssignmentID           string
	Rule                   string
	FallthroughAssignments []token.FallthroughAssignment
	ApplyTime              targeting.Timestamp
	Assignment             *AssignmentInfo
	Default                *DefaultAssignment
}

// ClientInfo identifies who performed the resolve this event came from.
type ClientInfo struct {
	Client           string
	ClientCredential string
	SDK              string
}

// FlagAssigned is one resolve's worth of apply-time data, queued by
// AssignLogger and drained into a checkpoint.
type FlagAssigned struct {
	ResolveID  string
	ClientInfo *ClientInfo
	Flags      []AppliedFlag
}

// FlagToApply pairs a resolved flag with the skew-corrected time it should
// be recorded as applied at.
type FlagToApply struct {
	AssignedFlag            token.AssignedFlag
	SkewAdjustedAppliedTime targeting.Timestamp
}

// WriteFlagLogsRequest is the checkpoint output shape both loggers
// contribute to: AssignLogger appends FlagAssigned events, ResolveLogger
// (see resolve_logger.go) attaches the aggregated counters and schema.
type WriteFlagLogsRequest struct {
	FlagAssigned []FlagAssigned
	ResolveInfo  *ResolveInfoSnapshot
}

func (r *WriteFlagLogsRequest) encodedLen() int {
	total := 0
	for _, f := range r.FlagAssigned {
		total += estimateFlagAssignedLen(f)
	}
	return total
}

// estimateFlagAssignedLen approximates the encoded size of one event. There
// is no compiled .proto for this wire message in this module (see
// pkg/catalog/decode.go's note on the same gap), so byte-budget checkpoints
// here work off a field-length estimate rather than a true protobuf
// encoded_len — close enough to bound checkpoint batch sizes, which is all
// the budget is used for.
func estimateFlagAssignedLen(f FlagAssigned) int {
	n := len(f.ResolveID) + 2
	if f.ClientInfo != nil {
		n += len(f.ClientInfo.Client) + len(f.ClientInfo.ClientCredential) + len(f.ClientInfo.SDK) + 3
	}
	for _, af := range f.Flags {
		n += len(af.Flag) + len(af.TargetingKey) + len(af.TargetingKeySelector) + len(af.AssignmentID) + len(af.Rule) + 16
		for _, fa := range af.FallthroughAssignments {
			n += len(fa.Rule) + len(fa.AssignmentID) + len(fa.Unit) + 3
		}
		if af.Assignment != nil {
			n += len(af.Assignment.Segment) + len(af.Assignment.Variant) + 2
		}
	}
	return n
}
