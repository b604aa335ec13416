package memory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// classifierRules is the on-disk format for topic rules: each topic maps
// to the keywords that signal it.
type classifierRules struct {
	Topics map[string][]string `yaml:"topics"`
}

// KeywordClassifier tags messages with coarse topics by keyword match.
// Rules come from a YAML file or fall back to a built-in set.
type KeywordClassifier struct {
	topics map[string][]string
	cap    int
}

var defaultRules = classifierRules{
	Topics: map[string][]string{
		"work":     {"job", "work", "boss", "meeting", "deadline", "project", "office"},
		"health":   {"sick", "doctor", "sleep", "tired", "pain", "exercise", "gym"},
		"money":    {"money", "pay", "salary", "rent", "price", "buy", "expensive"},
		"feelings": {"sad", "happy", "angry", "lonely", "anxious", "love", "miss"},
		"family":   {"mom", "dad", "brother", "sister", "family", "parents", "kid"},
		"plans":    {"tomorrow", "weekend", "plan", "trip", "vacation", "later", "tonight"},
	},
}

func NewKeywordClassifier(rulesPath string, keywordCap int) (*KeywordClassifier, error) {
	rules := defaultRules
	if rulesPath != "" {
		data, err := os.ReadFile(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("read classifier rules: %w", err)
		}
		var loaded classifierRules
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("parse classifier rules: %w", err)
		}
		if len(loaded.Topics) > 0 {
			rules = loaded
		}
	}

	topics := make(map[string][]string, len(rules.Topics))
	for topic, kws := range rules.Topics {
		lowered := make([]string, 0, len(kws))
		for _, kw := range kws {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				lowered = append(lowered, kw)
			}
		}
		if len(lowered) > 0 {
			topics[strings.ToLower(topic)] = lowered
		}
	}

	if keywordCap <= 0 {
		keywordCap = 20
	}
	return &KeywordClassifier{topics: topics, cap: keywordCap}, nil
}

// Classify returns the topics whose keywords appear in text, sorted by
// match count descending then name.
func (c *KeywordClassifier) Classify(text string) []string {
	lower := strings.ToLower(text)
	words := tokenize(lower)
	if len(words) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}

	type hit struct {
		topic string
		count int
	}
	var hits []hit
	for topic, kws := range c.topics {
		n := 0
		for _, kw := range kws {
			if seen[kw] {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{topic, n})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].topic < hits[j].topic
	})

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.topic)
	}
	return out
}

// Topics lists the configured topic names.
func (c *KeywordClassifier) Topics() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
