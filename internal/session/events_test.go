package session

import (
	"strings"
	"testing"
)

func TestResolveInstructionsFromCustomParams_Empty(t *testing.T) {
	if _, ok := resolveInstructionsFromCustomParams(nil); ok {
		t.Fatal("nil customParameters should not resolve instructions")
	}
	if _, ok := resolveInstructionsFromCustomParams(map[string]interface{}{"unrelated": "x"}); ok {
		t.Fatal("customParameters with no persona/tone/customer/documents keys should not resolve instructions")
	}
}

func TestResolveInstructionsFromCustomParams_BuildsInstructions(t *testing.T) {
	params := map[string]interface{}{
		"persona_name":  "Asha",
		"persona_age":   "29",
		"tone":          "friendly",
		"gender":        "female",
		"city":          "Mumbai",
		"language":      "Hindi",
		"customer_name": "Rahul",
		"documents":     "refund policy: 30 days",
	}

	instructions, ok := resolveInstructionsFromCustomParams(params)
	if !ok {
		t.Fatal("expected instructions to resolve")
	}
	for _, want := range []string{"Asha", "29", "friendly", "Mumbai", "Hindi", "Rahul", "refund policy"} {
		if !strings.Contains(instructions, want) {
			t.Fatalf("instructions %q missing %q", instructions, want)
		}
	}
}
