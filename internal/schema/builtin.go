package schema

import "encoding/json"

type builtin struct {
	name     string
	schema   json.RawMessage
	metadata Metadata
}

// builtinSchemas returns the five named output-shape contracts §4.1
// mandates be present at init. Each schema minimally requires
// {type, confidence}; richer variants add the extra fields §3 lists.
func builtinSchemas() []builtin {
	typeEnum := []string{"command", "prompt", "workflow"}

	minimalSchema := obj(map[string]any{
		"type":       enumString(typeEnum),
		"confidence": numberRange(0, 1),
	}, []string{"type", "confidence"})

	standardSchema := obj(map[string]any{
		"type":       enumString(typeEnum),
		"confidence": numberRange(0, 1),
		"reasoning":  map[string]any{"type": "string"},
	}, []string{"type", "confidence"})

	detailedSchema := obj(map[string]any{
		"type":            enumString(typeEnum),
		"confidence":      numberRange(0, 1),
		"reasoning":       map[string]any{"type": "string"},
		"indicators":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"complexityScore": numberRange(0, 1),
	}, []string{"type", "confidence"})

	optimizedSchema := obj(map[string]any{
		"type":       enumString(typeEnum),
		"confidence": numberRange(0, 1),
		"reasoning":  map[string]any{"type": "string"},
		"taskSteps":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}, []string{"type", "confidence"})

	contextAwareSchema := obj(map[string]any{
		"type":                 enumString(typeEnum),
		"confidence":           numberRange(0, 1),
		"reasoning":            map[string]any{"type": "string"},
		"conversationContext":  map[string]any{"type": "string"},
		"stepCount":            map[string]any{"type": "integer", "minimum": 0},
		"requiresCoordination": map[string]any{"type": "boolean"},
	}, []string{"type", "confidence"})

	return []builtin{
		{"minimal", mustMarshal(minimalSchema), Metadata{
			Name: "minimal", Complexity: ComplexityMinimal, Version: "1.0",
			RecommendedFor: []string{"speed", "rule-based", "ollama-native"},
		}},
		{"standard", mustMarshal(standardSchema), Metadata{
			Name: "standard", Complexity: ComplexityStandard, Version: "1.0",
			RecommendedFor: []string{"ollama-native", "langchain-function-calling"},
		}},
		{"detailed", mustMarshal(detailedSchema), Metadata{
			Name: "detailed", Complexity: ComplexityDetailed, Version: "1.0",
			RecommendedFor: []string{"accuracy", "ensemble"},
		}},
		{"optimized", mustMarshal(optimizedSchema), Metadata{
			Name: "optimized", Complexity: ComplexityOptimized, Version: "1.0",
			RecommendedFor: []string{"hybrid", "workflow"},
		}},
		{"context_aware", mustMarshal(contextAwareSchema), Metadata{
			Name: "context_aware", Complexity: ComplexityContextAware, Version: "1.0",
			RecommendedFor: []string{"ensemble", "accuracy"},
		}},
	}
}

func obj(properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func enumString(values []string) map[string]any {
	return map[string]any{"type": "string", "enum": values}
}

func numberRange(min, max float64) map[string]any {
	return map[string]any{"type": "number", "minimum": min, "maximum": max}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
