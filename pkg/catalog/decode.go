package catalog

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/confidence-resolver/resolver/pkg/bitset"
	"github.com/confidence-resolver/resolver/pkg/errcode"
	"github.com/confidence-resolver/resolver/pkg/targeting"
)

// Wire layout for the binary catalog blob. There is no compiled .proto
// available to this module (the resolver's upstream schema lives in the
// account-management plane, out of scope here); this layout is a direct,
// field-for-field transcription of the DATA MODEL this package implements,
// encoded with the standard protobuf wire format so any future .proto
// definition can be dropped in without touching callers.
//
//	ResolverState     { 1: repeated Flag; 2: repeated Segment; 3: repeated Bitset; 4: repeated Secret }
//	Flag              { 1: name; 2: archived(bool); 3: repeated allowed_client; 4: repeated Variant; 5: repeated Rule }
//	Variant           { 1: name; 2: value(string, decoded as a string Dynamic) }
//	Rule              { 1: name; 2: enabled(bool); 3: segment; 4: targeting_key_selector; 5: AssignmentSpec; 6: MaterializationSpec }
//	AssignmentSpec    { 1: bucket_count(varint); 2: repeated Assignment }
//	Assignment        { 1: assignment_id; 2: repeated BucketRange; 3: kind(varint 0=variant,1=client_default,2=fallthrough); 4: variant_name }
//	BucketRange       { 1: lower(varint); 2: upper(varint) }
//	MaterializationSpec{ 1: read_materialization; 2: write_materialization; 3: must_match(bool); 4: segment_targeting_ignored(bool) }
//	Segment           { 1: name; 2: Targeting }
//	Targeting         { 1: repeated NamedCriterion; 2: Expr }
//	NamedCriterion    { 1: name; 2: AttributeCriterion | 3: segment_name }
//	AttributeCriterion{ 1: attribute; 2: kind(varint, RuleKind); 3: Eq(Value);
//	                     4: repeated Set(Value); 5: RangeRule; 6: InnerRule }
//	Value             { 1: kind(varint, targeting.Kind); 2: bool(varint);
//	                     3: number(fixed64 double); 4: str_or_version(string);
//	                     5: TimestampValue }
//	TimestampValue    { 1: seconds(zigzag varint); 2: nanos(varint) }
//	RangeRule         { 1: RangeBound start; 2: RangeBound end }
//	RangeBound        { 1: Value; 2: inclusive(bool) }
//	InnerRule         { 1: kind(varint, InnerRuleKind); 2: Eq(Value);
//	                     3: repeated Set(Value); 4: RangeRule }
//	Bitset            { 1: segment_name; 2: gzipped_bytes }
//	Secret            { 1: secret; 2: account; 3: client_name; 4: client_credential_name }
const (
	fieldResolverFlags    = 1
	fieldResolverSegments = 2
	fieldResolverBitsets  = 3
	fieldResolverSecrets  = 4
)

// Decode parses a ResolverState from its binary catalog-blob representation.
// accountID is supplied out of band by the caller (the catalog load API),
// matching the external interface described for catalog ingestion.
func Decode(data []byte, accountID string) (*ResolverState, error) {
	state := &ResolverState{
		AccountID: accountID,
		Flags:     map[string]*Flag{},
		Segments:  map[string]*Segment{},
		Secrets:   map[string]*Client{},
	}

	bitsetBytes := map[string][]byte{}

	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}

	for _, f := range fields[fieldResolverFlags] {
		flag, err := decodeFlag(f)
		if err != nil {
			return nil, err
		}
		state.Flags[flag.Name] = flag
	}
	for _, f := range fields[fieldResolverSegments] {
		seg, err := decodeSegment(f)
		if err != nil {
			return nil, err
		}
		state.Segments[seg.Name] = seg
	}
	for _, f := range fields[fieldResolverBitsets] {
		name, gz, err := decodeBitsetEntry(f)
		if err != nil {
			return nil, err
		}
		bitsetBytes[name] = gz
	}
	for _, f := range fields[fieldResolverSecrets] {
		secret, client, err := decodeSecret(f)
		if err != nil {
			return nil, err
		}
		state.Secrets[secret] = client
	}

	for name, gz := range bitsetBytes {
		seg, ok := state.Segments[name]
		if !ok {
			continue
		}
		bs, err := bitset.Decode(gz, bucketSpaceSize)
		if err != nil {
			return nil, err
		}
		seg.Bitset = bs
	}

	return state, nil
}

const bucketSpaceSize = 1_000_000

// splitFields groups a message's top-level fields by field number, preserving
// the raw payload for each occurrence (sufficient for every message in this
// schema: every field used here is a LEN string or submessage, a VARINT
// scalar, or a FIXED64 double; the scalars are kept in their wire encoding
// for the first* helpers to read back).
func splitFields(data []byte) (map[uint32][][]byte, error) {
	out := map[uint32][][]byte{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errcode.Wrap("catalog.decode.bad_tag")
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errcode.Wrap("catalog.decode.bad_bytes")
			}
			out[uint32(num)] = append(out[uint32(num)], v)
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errcode.Wrap("catalog.decode.bad_varint")
			}
			out[uint32(num)] = append(out[uint32(num)], protowire.AppendVarint(nil, v))
			data = data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, errcode.Wrap("catalog.decode.bad_fixed64")
			}
			out[uint32(num)] = append(out[uint32(num)], protowire.AppendFixed64(nil, v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(protowire.Number(num), typ, data)
			if n < 0 {
				return nil, errcode.Wrap("catalog.decode.bad_field")
			}
			data = data[n:]
		}
	}
	return out, nil
}

func firstString(fields map[uint32][][]byte, field uint32) string {
	vs := fields[field]
	if len(vs) == 0 {
		return ""
	}
	return string(vs[0])
}

func firstVarint(fields map[uint32][][]byte, field uint32) uint64 {
	vs := fields[field]
	if len(vs) == 0 {
		return 0
	}
	v, _ := protowire.ConsumeVarint(vs[0])
	return v
}

func firstBool(fields map[uint32][][]byte, field uint32) bool {
	return firstVarint(fields, field) != 0
}

func firstFloat64(fields map[uint32][][]byte, field uint32) float64 {
	vs := fields[field]
	if len(vs) == 0 {
		return 0
	}
	bits, _ := protowire.ConsumeFixed64(vs[0])
	return math.Float64frombits(bits)
}

func decodeFlag(data []byte) (*Flag, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	flag := &Flag{
		Name:           firstString(fields, 1),
		AllowedClients: map[string]struct{}{},
	}
	if firstBool(fields, 2) {
		flag.State = FlagArchived
	}
	for _, c := range fields[3] {
		flag.AllowedClients[string(c)] = struct{}{}
	}
	for _, v := range fields[4] {
		variant, err := decodeVariant(v)
		if err != nil {
			return nil, err
		}
		flag.Variants = append(flag.Variants, *variant)
	}
	for _, r := range fields[5] {
		rule, err := decodeRule(r)
		if err != nil {
			return nil, err
		}
		flag.Rules = append(flag.Rules, *rule)
	}
	return flag, nil
}

func decodeVariant(data []byte) (*Variant, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	return &Variant{
		Name:  firstString(fields, 1),
		Value: targeting.DynStringOf(firstString(fields, 2)),
	}, nil
}

func decodeRule(data []byte) (*Rule, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	rule := &Rule{
		Name:                 firstString(fields, 1),
		Enabled:              firstBool(fields, 2),
		Segment:              firstString(fields, 3),
		TargetingKeySelector: firstString(fields, 4),
	}
	if rule.TargetingKeySelector == "" {
		rule.TargetingKeySelector = "targeting_key"
	}
	if len(fields[5]) > 0 {
		spec, err := decodeAssignmentSpec(fields[5][0])
		if err != nil {
			return nil, err
		}
		rule.Assignment = *spec
	}
	if len(fields[6]) > 0 {
		spec, err := decodeMaterializationSpec(fields[6][0])
		if err != nil {
			return nil, err
		}
		rule.Materialization = spec
	}
	return rule, nil
}

func decodeAssignmentSpec(data []byte) (*AssignmentSpec, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	spec := &AssignmentSpec{BucketCount: firstVarint(fields, 1)}
	for _, a := range fields[2] {
		assignment, err := decodeAssignment(a)
		if err != nil {
			return nil, err
		}
		spec.Assignments = append(spec.Assignments, *assignment)
	}
	return spec, nil
}

func decodeAssignment(data []byte) (*Assignment, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	a := &Assignment{
		AssignmentID: firstString(fields, 1),
		Kind:         PayloadKind(firstVarint(fields, 3)),
		VariantName:  firstString(fields, 4),
	}
	for _, r := range fields[2] {
		rf, err := splitFields(r)
		if err != nil {
			return nil, err
		}
		a.Ranges = append(a.Ranges, BucketRange{
			Lower: firstVarint(rf, 1),
			Upper: firstVarint(rf, 2),
		})
	}
	return a, nil
}

func decodeMaterializationSpec(data []byte) (*MaterializationSpec, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	return &MaterializationSpec{
		ReadMaterialization:  firstString(fields, 1),
		WriteMaterialization: firstString(fields, 2),
		Mode: MaterializationMode{
			MustMatch:               firstBool(fields, 3),
			SegmentTargetingIgnored: firstBool(fields, 4),
		},
	}, nil
}

func decodeSegment(data []byte) (*Segment, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	seg := &Segment{Name: firstString(fields, 1)}
	if len(fields[2]) > 0 {
		tg, err := decodeTargeting(fields[2][0])
		if err != nil {
			return nil, err
		}
		seg.Targeting = tg
	}
	return seg, nil
}

func decodeTargeting(data []byte) (*Targeting, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	tg := &Targeting{Criteria: map[string]Criterion{}}
	for _, c := range fields[1] {
		cf, err := splitFields(c)
		if err != nil {
			return nil, err
		}
		name := firstString(cf, 1)
		if len(cf[3]) > 0 {
			tg.Criteria[name] = Criterion{Kind: CriterionSegment, SegmentName: firstString(cf, 3)}
			continue
		}
		if len(cf[2]) > 0 {
			ac, err := decodeAttributeCriterion(cf[2][0])
			if err != nil {
				return nil, err
			}
			tg.Criteria[name] = Criterion{Kind: CriterionAttribute, Attribute: *ac}
			continue
		}
		tg.Criteria[name] = Criterion{Kind: CriterionAttribute}
	}
	if len(fields[2]) > 0 {
		expr, err := decodeExpr(fields[2][0])
		if err != nil {
			return nil, err
		}
		tg.Expression = *expr
	}
	return tg, nil
}

func decodeAttributeCriterion(data []byte) (*targeting.AttributeCriterion, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	ac := &targeting.AttributeCriterion{
		Attribute: firstString(fields, 1),
		Kind:      targeting.RuleKind(firstVarint(fields, 2)),
	}
	switch ac.Kind {
	case targeting.RuleEq:
		if len(fields[3]) > 0 {
			v, err := decodeValue(fields[3][0])
			if err != nil {
				return nil, err
			}
			ac.Eq = v
		}
	case targeting.RuleSet:
		for _, s := range fields[4] {
			v, err := decodeValue(s)
			if err != nil {
				return nil, err
			}
			ac.Set = append(ac.Set, v)
		}
	case targeting.RuleRange:
		if len(fields[5]) > 0 {
			r, err := decodeRangeRule(fields[5][0])
			if err != nil {
				return nil, err
			}
			ac.Range = *r
		}
	case targeting.RuleAny, targeting.RuleAll:
		if len(fields[6]) > 0 {
			inner, err := decodeInnerRule(fields[6][0])
			if err != nil {
				return nil, err
			}
			ac.Inner = *inner
		}
	}
	return ac, nil
}

func decodeValue(data []byte) (targeting.Value, error) {
	fields, err := splitFields(data)
	if err != nil {
		return targeting.Value{}, err
	}
	v := targeting.Value{Kind: targeting.Kind(firstVarint(fields, 1))}
	switch v.Kind {
	case targeting.KindBool:
		v.Bool = firstBool(fields, 2)
	case targeting.KindNumber:
		v.Number = firstFloat64(fields, 3)
	case targeting.KindString:
		v.Str = firstString(fields, 4)
	case targeting.KindVersion:
		v.Version = firstString(fields, 4)
	case targeting.KindTimestamp:
		if len(fields[5]) > 0 {
			ts, err := decodeTimestampValue(fields[5][0])
			if err != nil {
				return targeting.Value{}, err
			}
			v.Timestamp = ts
		}
	}
	return v, nil
}

func decodeTimestampValue(data []byte) (targeting.Timestamp, error) {
	fields, err := splitFields(data)
	if err != nil {
		return targeting.Timestamp{}, err
	}
	return targeting.Timestamp{
		Seconds: protowire.DecodeZigZag(firstVarint(fields, 1)),
		Nanos:   int32(firstVarint(fields, 2)),
	}, nil
}

func decodeRangeRule(data []byte) (*targeting.RangeRule, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	r := &targeting.RangeRule{}
	if len(fields[1]) > 0 {
		b, err := decodeRangeBound(fields[1][0])
		if err != nil {
			return nil, err
		}
		r.Start = b
	}
	if len(fields[2]) > 0 {
		b, err := decodeRangeBound(fields[2][0])
		if err != nil {
			return nil, err
		}
		r.End = b
	}
	return r, nil
}

func decodeRangeBound(data []byte) (*targeting.RangeBound, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	b := &targeting.RangeBound{Inclusive: firstBool(fields, 2)}
	if len(fields[1]) > 0 {
		v, err := decodeValue(fields[1][0])
		if err != nil {
			return nil, err
		}
		b.Value = v
	}
	return b, nil
}

func decodeInnerRule(data []byte) (*targeting.InnerRule, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	ir := &targeting.InnerRule{Kind: targeting.InnerRuleKind(firstVarint(fields, 1))}
	switch ir.Kind {
	case targeting.InnerEq:
		if len(fields[2]) > 0 {
			v, err := decodeValue(fields[2][0])
			if err != nil {
				return nil, err
			}
			ir.Eq = v
		}
	case targeting.InnerSet:
		for _, s := range fields[3] {
			v, err := decodeValue(s)
			if err != nil {
				return nil, err
			}
			ir.Set = append(ir.Set, v)
		}
	case targeting.InnerRange:
		if len(fields[4]) > 0 {
			r, err := decodeRangeRule(fields[4][0])
			if err != nil {
				return nil, err
			}
			ir.Range = *r
		}
	}
	return ir, nil
}

func decodeExpr(data []byte) (*targeting.Expr, error) {
	fields, err := splitFields(data)
	if err != nil {
		return nil, err
	}
	if len(fields[1]) > 0 {
		return &targeting.Expr{Kind: targeting.ExprRef, Ref: string(fields[1][0])}, nil
	}
	if len(fields[2]) > 0 {
		inner, err := decodeExpr(fields[2][0])
		if err != nil {
			return nil, err
		}
		return &targeting.Expr{Kind: targeting.ExprNot, Operand: inner}, nil
	}
	if len(fields[3]) > 0 || len(fields[4]) > 0 {
		kind := targeting.ExprAnd
		list := fields[3]
		if len(fields[4]) > 0 {
			kind = targeting.ExprOr
			list = fields[4]
		}
		e := &targeting.Expr{Kind: kind}
		for _, op := range list {
			sub, err := decodeExpr(op)
			if err != nil {
				return nil, err
			}
			e.Operands = append(e.Operands, *sub)
		}
		return e, nil
	}
	return nil, fmt.Errorf("catalog: empty targeting expression")
}

func decodeBitsetEntry(data []byte) (name string, gz []byte, err error) {
	fields, err := splitFields(data)
	if err != nil {
		return "", nil, err
	}
	name = firstString(fields, 1)
	if len(fields[2]) > 0 {
		gz = fields[2][0]
	}
	return name, gz, nil
}

func decodeSecret(data []byte) (secret string, client *Client, err error) {
	fields, err := splitFields(data)
	if err != nil {
		return "", nil, err
	}
	secret = firstString(fields, 1)
	client = &Client{
		Account:              firstString(fields, 2),
		ClientName:           firstString(fields, 3),
		ClientCredentialName: firstString(fields, 4),
	}
	return secret, client, nil
}
