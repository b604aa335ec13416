package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassifierDefaultRules(t *testing.T) {
	cl, err := NewKeywordClassifier("", 20)
	if err != nil {
		t.Fatalf("NewKeywordClassifier failed: %v", err)
	}

	topics := cl.Classify("my boss moved the deadline and I am anxious")
	if len(topics) < 2 {
		t.Fatalf("expected work and feelings, got %v", topics)
	}
	if topics[0] != "work" {
		t.Fatalf("work has two keyword hits, should rank first: %v", topics)
	}

	if got := cl.Classify("xyzzy plugh"); got != nil {
		t.Fatalf("expected no topics, got %v", got)
	}
}

func TestClassifierCustomRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `topics:
  gaming:
    - minecraft
    - controller
  cooking:
    - recipe
    - oven
`
	if err := os.WriteFile(path, []byte(rules), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	cl, err := NewKeywordClassifier(path, 20)
	if err != nil {
		t.Fatalf("NewKeywordClassifier failed: %v", err)
	}

	topics := cl.Classify("found a new recipe for the oven")
	if len(topics) != 1 || topics[0] != "cooking" {
		t.Fatalf("expected [cooking], got %v", topics)
	}
	// Custom rules replace the defaults entirely.
	if got := cl.Classify("my boss called a meeting"); got != nil {
		t.Fatalf("default rules should be gone, got %v", got)
	}

	names := cl.Topics()
	if len(names) != 2 || names[0] != "cooking" || names[1] != "gaming" {
		t.Fatalf("unexpected topic list: %v", names)
	}
}

func TestClassifierMissingFile(t *testing.T) {
	if _, err := NewKeywordClassifier("/nonexistent/rules.yaml", 20); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}
