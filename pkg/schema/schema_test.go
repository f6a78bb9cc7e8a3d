package schema_test

import (
	"testing"

	"github.com/confidence-resolver/resolver/pkg/schema"
	"github.com/confidence-resolver/resolver/pkg/targeting"
	"github.com/stretchr/testify/require"
)

func str(s string) targeting.Dynamic { return targeting.DynStringOf(s) }
func strct(fields map[string]targeting.Dynamic) targeting.Dynamic {
	return targeting.Dynamic{Kind: targeting.DynStruct, Struct: fields}
}

func TestFlatSchemaBasicTypes(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"name":     str("John"),
		"age":      targeting.DynNumberOf(30),
		"active":   targeting.DynBoolOf(true),
		"metadata": {Kind: targeting.DynNull},
	})
	d := schema.GetSchema(ctx)

	require.Equal(t, schema.StringKind, d.Fields["name"])
	require.Equal(t, schema.NumberKind, d.Fields["age"])
	require.Equal(t, schema.BoolKind, d.Fields["active"])
	require.Equal(t, schema.NullKind, d.Fields["metadata"])
	require.Empty(t, d.SemanticTypes)
}

func TestNestedSchemaFlattening(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"user": strct(map[string]targeting.Dynamic{
			"id": str("user123"),
			"profile": strct(map[string]targeting.Dynamic{
				"country": str("US"),
				"age":     targeting.DynNumberOf(25),
				"address": strct(map[string]targeting.Dynamic{
					"city": str("New York"),
					"zip":  str("10001"),
				}),
			}),
		}),
	})
	d := schema.GetSchema(ctx)

	require.Equal(t, schema.StringKind, d.Fields["user.id"])
	require.Equal(t, schema.NumberKind, d.Fields["user.profile.age"])
	require.Equal(t, schema.StringKind, d.Fields["user.profile.address.city"])
	require.Equal(t, schema.SemanticCountry, d.SemanticTypes["user.profile.country"])
}

func TestCountrySemanticTypeDetection(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"user_country":     str("US"),
		"shipping_country": str("CA"),
		"invalid_country":  str("XX"),
		"location_code":    str("US"),
	})
	d := schema.GetSchema(ctx)

	require.Contains(t, d.SemanticTypes, "user_country")
	require.Contains(t, d.SemanticTypes, "shipping_country")
	require.NotContains(t, d.SemanticTypes, "invalid_country")
	require.NotContains(t, d.SemanticTypes, "location_code")
}

func TestDateSemanticTypeDetection(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"birth_date":   str("2023-05-15"),
		"created_at":   str("2023-12-01"),
		"invalid_date": str("not-a-date"),
		"partial_date": str("2023-05"),
	})
	d := schema.GetSchema(ctx)

	require.Equal(t, schema.SemanticDate, d.SemanticTypes["birth_date"])
	require.Equal(t, schema.SemanticDate, d.SemanticTypes["created_at"])
	require.NotContains(t, d.SemanticTypes, "invalid_date")
	require.NotContains(t, d.SemanticTypes, "partial_date")
}

func TestTimestampSemanticTypeDetection(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"created_at":         str("2023-05-15T10:30:00Z"),
		"updated_at":         str("2023-05-15T10:30:00"),
		"event_time":         str("2023-05-15T10:30:00.123Z"),
		"invalid_timestamp":  str("not-a-timestamp"),
		"short_string":       str("short"),
	})
	d := schema.GetSchema(ctx)

	require.Equal(t, schema.SemanticTimestamp, d.SemanticTypes["created_at"])
	require.Equal(t, schema.SemanticTimestamp, d.SemanticTypes["updated_at"])
	require.Equal(t, schema.SemanticTimestamp, d.SemanticTypes["event_time"])
	require.NotContains(t, d.SemanticTypes, "invalid_timestamp")
	require.NotContains(t, d.SemanticTypes, "short_string")
}

func TestVersionSemanticTypeDetection(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"app_version":         str("1.2.3"),
		"api_version":         str("10.0.1"),
		"invalid_version":     str("1.2"),
		"bad_version":         str("1.2.3.4"),
		"non_numeric_version": str("v1.2.3"),
	})
	d := schema.GetSchema(ctx)

	require.Equal(t, schema.SemanticVersion, d.SemanticTypes["app_version"])
	require.Equal(t, schema.SemanticVersion, d.SemanticTypes["api_version"])
	require.NotContains(t, d.SemanticTypes, "invalid_version")
	require.NotContains(t, d.SemanticTypes, "bad_version")
	require.NotContains(t, d.SemanticTypes, "non_numeric_version")
}

func TestSemanticTypePriorityTimestampOverDate(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"timestamp_field": str("2023-05-15T10:30:00Z"),
	})
	d := schema.GetSchema(ctx)
	require.Equal(t, schema.SemanticTimestamp, d.SemanticTypes["timestamp_field"])
}

func TestHeterogeneousListsAreDropped(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"mixed": targeting.DynListOf(str("a"), targeting.DynNumberOf(1)),
	})
	d := schema.GetSchema(ctx)
	require.NotContains(t, d.Fields, "mixed")
}

func TestHomogeneousListInheritsElementKind(t *testing.T) {
	ctx := strct(map[string]targeting.Dynamic{
		"tags": targeting.DynListOf(str("a"), str("b")),
	})
	d := schema.GetSchema(ctx)
	require.Equal(t, schema.StringKind, d.Fields["tags"])
}
