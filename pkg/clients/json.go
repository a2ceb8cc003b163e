package clients

import "strings"

// ExtractJSON peels markdown fences and surrounding prose off an LLM reply
// so the payload can be unmarshalled. Models in JSON mode still wrap output
// in ```json fences or chatter often enough that every structured call goes
// through this.
func ExtractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.Contains(trimmed, "```") {
		parts := strings.SplitN(trimmed, "```", 3)
		if len(parts) >= 2 {
			trimmed = strings.TrimSpace(strings.TrimPrefix(parts[1], "json"))
		}
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
