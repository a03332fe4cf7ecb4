package dataprep

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// CanonicalExample is one normalized record of the output corpus. Append-only:
// written once and never revisited.
type CanonicalExample struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Language string `json:"language"`
	Task     string `json:"task"`
	Context  string `json:"context,omitempty"`
	Source   string `json:"source"`
}

// ContentHash is the exact-dedup key: the hex sha1 of the trimmed prompt and
// response joined by a blank line. Examples with identical trimmed fields
// collide regardless of their source dataset.
func ContentHash(prompt, response string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(prompt) + "\n\n" + strings.TrimSpace(response)))
	return hex.EncodeToString(sum[:])
}

// taskRules map dataset-name keywords onto task labels, evaluated in fixed
// priority order with case-insensitive substring matching.
var taskRules = []struct {
	keywords []string
	label    string
}{
	{keywords: []string{"dialog", "chat", "conversation"}, label: "dialog"},
	{keywords: []string{"reason", "cot", "step"}, label: "reasoning"},
	{keywords: []string{"retrieval", "qa", "q&a", "rag"}, label: "retrieval"},
}

// InferTask assigns a task label from the dataset's name. The first matching
// rule wins; unmatched names default to "instruction".
func InferTask(name string) string {
	lower := strings.ToLower(name)
	for _, rule := range taskRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.label
			}
		}
	}
	return "instruction"
}
