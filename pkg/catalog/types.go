// Package catalog holds the immutable, per-deployment data model decoded
// from the binary catalog blob: flags, segments, bitsets, and client
// credentials. A ResolverState is constructed once and shared by cheap
// handle (pointer) across every concurrent resolve call; nothing here
// mutates after Decode returns.
package catalog

import (
	"github.com/confidence-resolver/resolver/pkg/bitset"
	"github.com/confidence-resolver/resolver/pkg/targeting"
)

// FlagState is a Flag's lifecycle state.
type FlagState int

const (
	FlagActive FlagState = iota
	FlagArchived
)

// PayloadKind discriminates what an Assignment resolves to.
type PayloadKind int

const (
	PayloadVariant PayloadKind = iota
	PayloadClientDefault
	PayloadFallthrough
)

// BucketRange is a half-open [Lower, Upper) range over the bucket space.
type BucketRange struct {
	Lower uint64
	Upper uint64
}

func (r BucketRange) Contains(bucket uint64) bool {
	return bucket >= r.Lower && bucket < r.Upper
}

// Assignment is one candidate outcome of a rule's bucket ranges.
type Assignment struct {
	AssignmentID string
	Ranges       []BucketRange
	Kind         PayloadKind
	VariantName  string // meaningful only when Kind == PayloadVariant
}

func (a Assignment) ContainsBucket(bucket uint64) bool {
	for _, r := range a.Ranges {
		if r.Contains(bucket) {
			return true
		}
	}
	return false
}

// AssignmentSpec is a rule's ordered candidate assignments over its own
// bucket space.
type AssignmentSpec struct {
	BucketCount uint64
	Assignments []Assignment
}

// MaterializationMode controls how a read-materialization interacts with
// live segment targeting.
type MaterializationMode struct {
	MustMatch               bool
	SegmentTargetingIgnored bool
}

// MaterializationSpec names the sticky-read/sticky-write materializations a
// rule participates in.
type MaterializationSpec struct {
	ReadMaterialization  string // empty when absent
	WriteMaterialization string // empty when absent
	Mode                 MaterializationMode
}

// Rule is one entry in a flag's ordered rule list.
type Rule struct {
	Name                  string
	Enabled               bool
	Segment               string // segment name this rule targets
	TargetingKeySelector  string // dotted path; defaults to "targeting_key"
	Assignment            AssignmentSpec
	Materialization       *MaterializationSpec // nil when the rule has none
}

// Variant is one named payload a flag can resolve to.
type Variant struct {
	Name  string
	Value targeting.Dynamic
}

// Flag is one resolvable flag definition.
type Flag struct {
	Name            string
	State           FlagState
	AllowedClients  map[string]struct{}
	Variants        []Variant
	Rules           []Rule
	SchemaFieldPath string // optional; used for telemetry schema tagging
}

func (f *Flag) Variant(name string) *Variant {
	for i := range f.Variants {
		if f.Variants[i].Name == name {
			return &f.Variants[i]
		}
	}
	return nil
}

// CriterionKind discriminates one arm of a Segment's named criterion table.
type CriterionKind int

const (
	CriterionAttribute CriterionKind = iota
	CriterionSegment
)

// Criterion wraps either an AttributeCriterion or a reference to another
// segment, keyed by name in a Targeting's Criteria map.
type Criterion struct {
	Kind        CriterionKind
	Attribute   targeting.AttributeCriterion // meaningful when Kind == CriterionAttribute
	SegmentName string                       // meaningful when Kind == CriterionSegment
}

// Targeting is a segment's named-criteria table plus the boolean expression
// tree referencing them.
type Targeting struct {
	Criteria   map[string]Criterion
	Expression targeting.Expr
}

// Segment is a named population: an optional targeting expression AND an
// optional membership bitset. Both default to "everyone" when absent.
type Segment struct {
	Name      string
	Targeting *Targeting
	Bitset    *bitset.Set
}

// Client identifies a caller authorized by a secret string.
type Client struct {
	Account              string
	ClientName           string
	ClientCredentialName string
}

// ResolverState is the fully decoded, immutable catalog for one account.
type ResolverState struct {
	AccountID string
	Flags     map[string]*Flag
	Segments  map[string]*Segment
	// Secrets maps a client secret string to the Client it authorizes.
	Secrets map[string]*Client
}

// AccountSalt is "MegaSalt-<account-id>", the namespace every bucketing key
// for this catalog's account is derived from.
func (s *ResolverState) AccountSalt() string {
	return "MegaSalt-" + s.AccountID
}
