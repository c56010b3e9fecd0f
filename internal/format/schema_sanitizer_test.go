package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSchema_EmptySchemaGetsPlaceholder(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{})
	require.Equal(t, "object", result["type"])
	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, props, "reason")
}

func TestSanitizeSchema_DropsDisallowedFields(t *testing.T) {
	schema := map[string]interface{}{
		"type":        "object",
		"description": "a tool",
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	}

	result := SanitizeSchema(schema)
	require.Equal(t, "object", result["type"])
	require.NotContains(t, result, "$schema")

	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, props, "path")
}

func TestSanitizeSchema_ConstBecomesSingleValueEnum(t *testing.T) {
	schema := map[string]interface{}{
		"type":  "string",
		"const": "fixed-value",
	}

	result := SanitizeSchema(schema)
	enum, ok := result["enum"].([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"fixed-value"}, enum)
}

func TestSanitizeSchema_ObjectWithNoPropertiesGetsPlaceholderProp(t *testing.T) {
	schema := map[string]interface{}{"type": "object"}
	result := SanitizeSchema(schema)

	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, props, "reason")
	required, ok := result["required"].([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"reason"}, required)
}

func TestCleanSchema_ConvertsTypeToGoogleEnum(t *testing.T) {
	schema := map[string]interface{}{"type": "string"}
	result := CleanSchema(schema)
	require.Equal(t, "STRING", result["type"])
}

func TestCleanSchema_DropsUnsupportedKeywords(t *testing.T) {
	schema := map[string]interface{}{
		"type":    "string",
		"default": "x",
		"pattern": "^[a-z]+$",
	}
	result := CleanSchema(schema)
	require.NotContains(t, result, "default")
	require.NotContains(t, result, "pattern")
}

func TestCleanSchema_FlattensNullableTypeArray(t *testing.T) {
	schema := map[string]interface{}{
		"type": []interface{}{"string", "null"},
	}
	result := CleanSchema(schema)
	require.Equal(t, "STRING", result["type"])
	desc, _ := result["description"].(string)
	require.Contains(t, desc, "nullable")
}

func TestCleanSchema_RemovesRequiredPropsNotDefined(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"a": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"a", "b"},
	}
	result := CleanSchema(schema)
	required, ok := result["required"].([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"a"}, required)
}

func TestCleanSchema_MergesAllOf(t *testing.T) {
	schema := map[string]interface{}{
		"allOf": []interface{}{
			map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
			},
			map[string]interface{}{
				"properties": map[string]interface{}{"b": map[string]interface{}{"type": "integer"}},
			},
		},
	}
	result := CleanSchema(schema)
	require.NotContains(t, result, "allOf")
	props, ok := result["properties"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, props, "a")
	require.Contains(t, props, "b")
}
