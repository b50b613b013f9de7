package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// jsonObjectPattern grabs the outermost brace-delimited block from a
// completion that wrapped its JSON in prose or code fences.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSONObject returns the first {...} block embedded in s, or false
// when none is present.
func ExtractJSONObject(s string) (string, bool) {
	m := jsonObjectPattern.FindString(s)
	if m == "" {
		return "", false
	}
	return m, true
}

// DecodeJSON parses an LLM completion into dst. Provider JSON mode is
// unreliable enough that every consumer needs the same repair chain:
// strict parse first, then retry on an extracted {...} block.
func DecodeJSON(content string, dst interface{}) error {
	content = strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(content), dst); err == nil {
		return nil
	}
	block, ok := ExtractJSONObject(content)
	if !ok {
		return fmt.Errorf("no JSON object found in completion")
	}
	return json.Unmarshal([]byte(block), dst)
}
