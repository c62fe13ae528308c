package canon

import (
	"crypto/sha1"
	"encoding/hex"
)

// SanitizeToolSchema produces a provider-acceptable JSON Schema from a
// possibly-untyped one: it infers a missing "type" from sibling
// keywords, coerces "integer" to "number" when requested (OpenAI
// Responses insists on it), and ensures object/array nodes carry the
// properties/items a strict consumer expects. The input is not
// mutated; a deep copy is returned.
func SanitizeToolSchema(schema map[string]interface{}, coerceIntegerToNumber bool) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return sanitizeNode(schema, coerceIntegerToNumber)
}

func sanitizeNode(node map[string]interface{}, coerceInt bool) map[string]interface{} {
	out := make(map[string]interface{}, len(node))
	for k, v := range node {
		out[k] = v
	}

	inferType(out)

	if coerceInt {
		if t, _ := out["type"].(string); t == "integer" {
			out["type"] = "number"
		}
	}

	switch out["type"] {
	case "object":
		props, _ := out["properties"].(map[string]interface{})
		if props == nil {
			props = map[string]interface{}{}
		}
		sanitized := make(map[string]interface{}, len(props))
		for name, raw := range props {
			if child, ok := raw.(map[string]interface{}); ok {
				sanitized[name] = sanitizeNode(child, coerceInt)
			} else {
				sanitized[name] = raw
			}
		}
		out["properties"] = sanitized
	case "array":
		items, ok := out["items"].(map[string]interface{})
		if !ok {
			items = map[string]interface{}{"type": "string"}
		}
		out["items"] = sanitizeNode(items, coerceInt)
	}

	for _, combinator := range []string{"oneOf", "anyOf", "allOf"} {
		list, ok := out[combinator].([]interface{})
		if !ok {
			continue
		}
		sanitizedList := make([]interface{}, len(list))
		for i, raw := range list {
			if child, ok := raw.(map[string]interface{}); ok {
				sanitizedList[i] = sanitizeNode(child, coerceInt)
			} else {
				sanitizedList[i] = raw
			}
		}
		out[combinator] = sanitizedList
	}

	if ap, ok := out["additionalProperties"].(map[string]interface{}); ok {
		out["additionalProperties"] = sanitizeNode(ap, coerceInt)
	}

	if pp, ok := out["patternProperties"].(map[string]interface{}); ok {
		sanitizedPP := make(map[string]interface{}, len(pp))
		for pattern, raw := range pp {
			if child, ok := raw.(map[string]interface{}); ok {
				sanitizedPP[pattern] = sanitizeNode(child, coerceInt)
			} else {
				sanitizedPP[pattern] = raw
			}
		}
		out["patternProperties"] = sanitizedPP
	}

	return out
}

// inferType fills a missing "type" key from keyword shape.
func inferType(node map[string]interface{}) {
	if _, has := node["type"]; has {
		return
	}
	if _, has := node["properties"]; has {
		node["type"] = "object"
		return
	}
	if _, has := node["items"]; has {
		node["type"] = "array"
		return
	}
	if _, has := node["enum"]; has {
		node["type"] = "string"
		return
	}
	if _, has := node["const"]; has {
		node["type"] = "string"
		return
	}
	if _, has := node["format"]; has {
		node["type"] = "string"
		return
	}
	for _, numeric := range []string{"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf"} {
		if _, has := node[numeric]; has {
			node["type"] = "number"
			return
		}
	}
}

// QualifyMCPToolName joins a server and tool name with "__", truncating
// and suffixing a hex SHA1 digest when the result would exceed 64
// characters (MCP name qualification). Idempotent: calling it
// again on a qualified name that is already within budget returns the
// input unchanged (by way of never needing to truncate).
func QualifyMCPToolName(server, tool string) string {
	qualified := server + "__" + tool
	const maxLen = 64
	if len(qualified) <= maxLen {
		return qualified
	}

	sum := sha1.Sum([]byte(qualified))
	suffix := hex.EncodeToString(sum[:])
	prefixLen := maxLen - len(suffix)
	if prefixLen < 0 {
		prefixLen = 0
	}
	return qualified[:prefixLen] + suffix
}
