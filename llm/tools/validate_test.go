package tools

import (
	"encoding/json"
	"testing"

	"github.com/pminervini/open-deep-research/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArguments(t *testing.T) {
	t.Parallel()

	schema := types.NewObjectSchema().
		AddProperty("query", types.NewStringSchema()).
		AddProperty("count", types.NewIntegerSchema()).
		AddProperty("ratio", types.NewNumberSchema()).
		AddProperty("strict", types.NewBooleanSchema()).
		AddProperty("year", types.NewIntegerSchema().AsNullable()).
		AddProperty("mode", &types.JSONSchema{Type: types.SchemaTypeString, Enum: []any{"fast", "slow"}}).
		AddProperty("tags", types.NewArraySchema(&types.JSONSchema{Type: types.SchemaTypeString, Enum: []any{"a", "b"}})).
		AddProperty("blob", types.NewBinarySchema()).
		AddProperty("extra", types.NewAnySchema()).
		AddRequired("query")

	tests := []struct {
		name      string
		args      string
		wantParam string
	}{
		{"minimal", `{"query":"x"}`, ""},
		{"all fields", `{"query":"x","count":3,"ratio":0.5,"strict":true,"year":2020,"mode":"fast","tags":["a","b"],"blob":"aGVsbG8=","extra":{"k":[1]}}`, ""},
		{"nullable null", `{"query":"x","year":null}`, ""},
		{"any accepts null", `{"query":"x","extra":null}`, ""},
		{"unknown field tolerated", `{"query":"x","other":1}`, ""},
		{"missing required", `{}`, "query"},
		{"required null", `{"query":null}`, "query"},
		{"string mismatch", `{"query":1}`, "query"},
		{"integer with fraction", `{"query":"x","count":1.5}`, "count"},
		{"boolean mismatch", `{"query":"x","strict":"yes"}`, "strict"},
		{"non-nullable null", `{"query":"x","count":null}`, "count"},
		{"enum violation", `{"query":"x","mode":"medium"}`, "mode"},
		{"array item enum", `{"query":"x","tags":["a","z"]}`, "tags[1]"},
		{"array mismatch", `{"query":"x","tags":"a"}`, "tags"},
		{"binary not base64", `{"query":"x","blob":"%%%"}`, "blob"},
		{"not an object", `[1,2]`, "arguments"},
		{"malformed", `{"query":`, "arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateArguments(schema, json.RawMessage(tt.args))
			if tt.wantParam == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrInvalidArgument, e.Code)
			assert.Equal(t, tt.wantParam, e.Param)
		})
	}
}

func TestValidateArguments_EmptyIsObject(t *testing.T) {
	t.Parallel()

	out, err := ValidateArguments(types.NewObjectSchema(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))

	out, err = ValidateArguments(nil, json.RawMessage(" null "))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestValidateArguments_ClosedObject(t *testing.T) {
	t.Parallel()

	closed := false
	schema := types.NewObjectSchema().AddProperty("a", types.NewStringSchema())
	schema.AdditionalProperties = &closed

	_, err := ValidateArguments(schema, json.RawMessage(`{"a":"x","b":1}`))
	require.Error(t, err)
	e, _ := types.AsError(err)
	assert.Equal(t, "b", e.Param)
}
