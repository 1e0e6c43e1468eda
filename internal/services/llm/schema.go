package llm

import (
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// convertToGenaiSchema converts a map[string]interface{} representation of
// a JSON schema to a genai.Schema structure. Job params carry schemas as
// plain maps, so the conversion is recursive and tolerant of both decoded
// JSON and literal Go values.
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	schema := &genai.Schema{}

	// Type
	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		}
	}

	// Description
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	// Enum
	if enumVals, ok := schemaMap["enum"].([]interface{}); ok {
		for _, v := range enumVals {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	} else if enumVals, ok := schemaMap["enum"].([]string); ok {
		schema.Enum = enumVals
	}

	// Required
	if reqVals, ok := schemaMap["required"].([]interface{}); ok {
		for _, v := range reqVals {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	} else if reqVals, ok := schemaMap["required"].([]string); ok {
		schema.Required = reqVals
	}

	// Minimum/Maximum for numeric types
	if minVal, ok := schemaMap["minimum"].(int64); ok {
		f := float64(minVal)
		schema.Minimum = &f
	} else if minVal, ok := schemaMap["minimum"].(float64); ok {
		schema.Minimum = &minVal
	}
	if maxVal, ok := schemaMap["maximum"].(int64); ok {
		f := float64(maxVal)
		schema.Maximum = &f
	} else if maxVal, ok := schemaMap["maximum"].(float64); ok {
		schema.Maximum = &maxVal
	}

	// Items (for arrays)
	if itemsMap, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(itemsMap)
		if err != nil {
			return nil, fmt.Errorf("failed to convert items schema: %w", err)
		}
		schema.Items = itemSchema
	}

	// Properties (for objects)
	if propsMap, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for propName, propVal := range propsMap {
			if propMap, ok := propVal.(map[string]interface{}); ok {
				propSchema, err := convertToGenaiSchema(propMap)
				if err != nil {
					return nil, fmt.Errorf("failed to convert property '%s': %w", propName, err)
				}
				schema.Properties[propName] = propSchema
			}
		}
	}

	return schema, nil
}
