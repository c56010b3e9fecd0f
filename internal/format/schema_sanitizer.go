// Package format converts tool-call JSON Schemas between what Anthropic
// clients send and what the upstream model accepts.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var placeholderSchemaJSON = []byte(`{"type":"object","properties":{"reason":{"type":"string","description":"Reason for calling this tool"}},"required":["reason"]}`)

// sanitizeAllowedFields is the allowlist of JSON Schema keywords a tool
// parameter schema is permitted to carry through to the upstream request.
var sanitizeAllowedFields = []string{"type", "description", "properties", "required", "items", "enum", "title"}

// SanitizeSchema strips a tool's JSON Schema down to an allowlist of
// fields the upstream API accepts, converts "const" to a single-value
// "enum", and backfills a placeholder schema for tools with no
// parameters. The heavy lifting is a single-pass field filter, so it
// runs directly against the JSON bytes via gjson/sjson rather than
// round-tripping through a decoded map tree.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(schema)
	if err != nil || len(schema) == 0 {
		return mustDecodeSchema(placeholderSchemaJSON)
	}

	sanitized := sanitizeSchemaBytes(raw)
	return mustDecodeSchema(sanitized)
}

func sanitizeSchemaBytes(raw []byte) []byte {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() || len(parsed.Map()) == 0 {
		return placeholderSchemaJSON
	}

	out := []byte("{}")

	if c := parsed.Get("const"); c.Exists() {
		out, _ = sjson.SetRawBytes(out, "enum", []byte("["+c.Raw+"]"))
	}

	for _, field := range sanitizeAllowedFields {
		value := parsed.Get(gjsonEscape(field))
		if !value.Exists() {
			continue
		}

		switch field {
		case "properties":
			out = setSanitizedObjectFields(out, "properties", value)
		case "items":
			if value.IsArray() {
				items := make([]json.RawMessage, 0)
				value.ForEach(func(_, item gjson.Result) bool {
					if item.IsObject() {
						items = append(items, json.RawMessage(sanitizeSchemaBytes([]byte(item.Raw))))
					} else {
						items = append(items, json.RawMessage(item.Raw))
					}
					return true
				})
				data, _ := json.Marshal(items)
				out, _ = sjson.SetRawBytes(out, "items", data)
			} else if value.IsObject() {
				out, _ = sjson.SetRawBytes(out, "items", sanitizeSchemaBytes([]byte(value.Raw)))
			} else {
				out, _ = sjson.SetRawBytes(out, "items", []byte(value.Raw))
			}
		default:
			out, _ = sjson.SetRawBytes(out, field, []byte(value.Raw))
		}
	}

	if !gjson.GetBytes(out, "type").Exists() {
		out, _ = sjson.SetBytes(out, "type", "object")
	}

	if gjson.GetBytes(out, "type").String() == "object" {
		props := gjson.GetBytes(out, "properties")
		if !props.Exists() || len(props.Map()) == 0 {
			out, _ = sjson.SetRawBytes(out, "properties", []byte(`{"reason":{"type":"string","description":"Reason for calling this tool"}}`))
			out, _ = sjson.SetBytes(out, "required", []string{"reason"})
		}
	}

	return out
}

// setSanitizedObjectFields recursively sanitizes each property in an
// object-valued field and writes the result at path in out.
func setSanitizedObjectFields(out []byte, path string, value gjson.Result) []byte {
	if !value.IsObject() {
		return out
	}
	result := []byte("{}")
	value.ForEach(func(key, propValue gjson.Result) bool {
		var sanitizedProp []byte
		if propValue.IsObject() {
			sanitizedProp = sanitizeSchemaBytes([]byte(propValue.Raw))
		} else {
			sanitizedProp = []byte(propValue.Raw)
		}
		result, _ = sjson.SetRawBytes(result, gjsonEscape(key.String()), sanitizedProp)
		return true
	})
	out, _ = sjson.SetRawBytes(out, path, result)
	return out
}

// gjsonEscape escapes path separators gjson/sjson treat specially so
// schema field names containing "." or "*" round-trip correctly.
func gjsonEscape(key string) string {
	replacer := strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?")
	return replacer.Replace(key)
}

func mustDecodeSchema(raw []byte) map[string]interface{} {
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	return decoded
}

// CleanSchema cleans a JSON Schema for Gemini API compatibility, following
// a multi-phase pipeline: hoist unsupported constructs into description
// hints, merge/flatten composition keywords, strip anything left that
// Gemini doesn't understand, then recase types to Gemini's enum. Each
// phase threads nullable-property tracking and cross-branch merges that
// don't map cleanly onto path-based JSON edits, so this stays a
// recursive walk over the decoded tree rather than byte-level patching.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	result = convertRefsToHints(result)
	result = addEnumHints(result)
	result = addAdditionalPropertiesHints(result)
	result = moveConstraintsToDescription(result)

	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")

	unsupported := []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
	}
	for _, key := range unsupported {
		delete(result, key)
	}

	if schemaType, ok := result["type"].(string); ok && schemaType == "string" {
		if format, ok := result["format"].(string); ok {
			allowed := map[string]bool{"enum": true, "date-time": true}
			if !allowed[format] {
				delete(result, "format")
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = CleanSchema(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = CleanSchema(items)
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, CleanSchema(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	if required, ok := result["required"].([]interface{}); ok {
		if props, ok := result["properties"].(map[string]interface{}); ok {
			definedProps := make(map[string]bool)
			for key := range props {
				definedProps[key] = true
			}
			newRequired := make([]interface{}, 0)
			for _, prop := range required {
				if propStr, ok := prop.(string); ok {
					if definedProps[propStr] {
						newRequired = append(newRequired, propStr)
					}
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}

	return result
}

func appendDescriptionHint(schema map[string]interface{}, hint string) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// scoreSchemaOption ranks an anyOf/oneOf branch by how much structure it
// carries, so flattenAnyOfOneOf keeps the most informative branch.
func scoreSchemaOption(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}

	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}

	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}

	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}

	return 0
}

func convertRefsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := fmt.Sprintf("See: %s", defName)

		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}

		return map[string]interface{}{
			"type":        "object",
			"description": description,
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = convertRefsToHints(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = convertRefsToHints(items)
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, convertRefsToHints(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[key].([]interface{}); ok {
			newArr := make([]interface{}, 0, len(arr))
			for _, item := range arr {
				if itemMap, ok := item.(map[string]interface{}); ok {
					newArr = append(newArr, convertRefsToHints(itemMap))
				} else {
					newArr = append(newArr, item)
				}
			}
			result[key] = newArr
		}
	}

	return result
}

func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if allOfArr, ok := result["allOf"].([]interface{}); ok && len(allOfArr) > 0 {
		mergedProperties := make(map[string]interface{})
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, subSchema := range allOfArr {
			subMap, ok := subSchema.(map[string]interface{})
			if !ok {
				continue
			}

			if props, ok := subMap["properties"].(map[string]interface{}); ok {
				for key, value := range props {
					mergedProperties[key] = value
				}
			}

			if required, ok := subMap["required"].([]interface{}); ok {
				for _, req := range required {
					if reqStr, ok := req.(string); ok {
						mergedRequired[reqStr] = true
					}
				}
			}

			for key, value := range subMap {
				if key != "properties" && key != "required" {
					if _, exists := otherFields[key]; !exists {
						otherFields[key] = value
					}
				}
			}
		}

		delete(result, "allOf")

		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProperties) > 0 {
			existingProps, _ := result["properties"].(map[string]interface{})
			if existingProps == nil {
				existingProps = make(map[string]interface{})
			}
			for key, value := range mergedProperties {
				if _, exists := existingProps[key]; !exists {
					existingProps[key] = value
				}
			}
			result["properties"] = existingProps
		}

		if len(mergedRequired) > 0 {
			existingRequired := make(map[string]bool)
			if req, ok := result["required"].([]interface{}); ok {
				for _, r := range req {
					if rStr, ok := r.(string); ok {
						existingRequired[rStr] = true
					}
				}
			}
			for key := range mergedRequired {
				existingRequired[key] = true
			}
			newRequired := make([]interface{}, 0, len(existingRequired))
			for key := range existingRequired {
				newRequired = append(newRequired, key)
			}
			result["required"] = newRequired
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = mergeAllOf(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = mergeAllOf(items)
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, mergeAllOf(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

func flattenAnyOfOneOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		if options, ok := result[unionKey].([]interface{}); ok && len(options) > 0 {
			var typeNames []string
			var bestOption map[string]interface{}
			bestScore := -1

			for _, option := range options {
				optMap, ok := option.(map[string]interface{})
				if !ok {
					continue
				}

				typeName := ""
				if t, ok := optMap["type"].(string); ok {
					typeName = t
				} else if optMap["properties"] != nil {
					typeName = "object"
				}
				if typeName != "" && typeName != "null" {
					typeNames = append(typeNames, typeName)
				}

				score := scoreSchemaOption(optMap)
				if score > bestScore {
					bestScore = score
					bestOption = optMap
				}
			}

			delete(result, unionKey)

			if bestOption != nil {
				parentDescription, _ := result["description"].(string)

				flattenedOption := flattenAnyOfOneOf(bestOption)

				for key, value := range flattenedOption {
					if key == "description" {
						if valueStr, ok := value.(string); ok && valueStr != "" && valueStr != parentDescription {
							if parentDescription != "" {
								result["description"] = fmt.Sprintf("%s (%s)", parentDescription, valueStr)
							} else {
								result["description"] = valueStr
							}
						}
					} else if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
						result[key] = value
					}
				}

				if len(typeNames) > 1 {
					uniqueTypes := unique(typeNames)
					result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(uniqueTypes, " | ")))
				}
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenAnyOfOneOf(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = flattenAnyOfOneOf(items)
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, flattenAnyOfOneOf(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

func addEnumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if enumArr, ok := result["enum"].([]interface{}); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		result = appendDescriptionHint(result, fmt.Sprintf("Allowed: %s", strings.Join(vals, ", ")))
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = addEnumHints(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = addEnumHints(items)
	}

	return result
}

func addAdditionalPropertiesHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = addAdditionalPropertiesHints(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = addAdditionalPropertiesHints(items)
	}

	return result
}

func moveConstraintsToDescription(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	constraints := []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"}

	result := copyMap(schema)

	for _, constraint := range constraints {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]interface{}); !isMap {
				result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = moveConstraintsToDescription(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = moveConstraintsToDescription(items)
	}

	return result
}

func flattenTypeArrays(schema map[string]interface{}, nullableProps map[string]bool, currentPropName string) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNullTypes []string

		for _, t := range typeArr {
			if tStr, ok := t.(string); ok {
				if tStr == "null" {
					hasNull = true
				} else if tStr != "" {
					nonNullTypes = append(nonNullTypes, tStr)
				}
			}
		}

		firstType := "string"
		if len(nonNullTypes) > 0 {
			firstType = nonNullTypes[0]
		}
		result["type"] = firstType

		if len(nonNullTypes) > 1 {
			result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(nonNullTypes, " | ")))
		}

		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullableProps != nil && currentPropName != "" {
				nullableProps[currentPropName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullableProps := make(map[string]bool)
		newProps := make(map[string]interface{})

		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenTypeArrays(valueMap, childNullableProps, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]interface{}); ok && len(childNullableProps) > 0 {
			newRequired := make([]interface{}, 0)
			for _, prop := range required {
				if propStr, ok := prop.(string); ok {
					if !childNullableProps[propStr] {
						newRequired = append(newRequired, propStr)
					}
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = flattenTypeArrays(items, nullableProps, "")
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, flattenTypeArrays(itemMap, nullableProps, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// toGoogleType converts a JSON Schema type name to Gemini's uppercase enum.
func toGoogleType(typeName string) string {
	if typeName == "" {
		return typeName
	}

	typeMap := map[string]string{
		"string":  "STRING",
		"number":  "NUMBER",
		"integer": "INTEGER",
		"boolean": "BOOLEAN",
		"array":   "ARRAY",
		"object":  "OBJECT",
		"null":    "STRING",
	}

	if upper, ok := typeMap[strings.ToLower(typeName)]; ok {
		return upper
	}
	return strings.ToUpper(typeName)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range m {
		result[k] = v
	}
	return result
}

func unique(arr []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
