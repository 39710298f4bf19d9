package provider

import "testing"

func TestBuildURL_DefaultBase(t *testing.T) {
	got := buildURL("", "https://api.anthropic.com", "/v1/messages")
	want := "https://api.anthropic.com/v1/messages"
	if got != want {
		t.Errorf("buildURL() = %q, want %q", got, want)
	}
}

func TestBuildURL_CustomBaseWithPath(t *testing.T) {
	got := buildURL("https://gateway.example.com/proxy/", "https://api.anthropic.com", "/v1/messages")
	want := "https://gateway.example.com/proxy/v1/messages"
	if got != want {
		t.Errorf("buildURL() = %q, want %q", got, want)
	}
}

func TestBuildCompatibleURL_PlainBase(t *testing.T) {
	got := buildCompatibleURL("https://api.openai.com", "/v1/chat/completions")
	want := "https://api.openai.com/v1/chat/completions"
	if got != want {
		t.Errorf("buildCompatibleURL() = %q, want %q", got, want)
	}
}

func TestBuildCompatibleURL_BaseAlreadyHasVersionSegment(t *testing.T) {
	got := buildCompatibleURL("https://api.kilocode.ai/v1", "/v1/chat/completions")
	want := "https://api.kilocode.ai/v1/chat/completions"
	if got != want {
		t.Errorf("buildCompatibleURL() = %q, want %q", got, want)
	}
}

func TestBuildCompatibleURL_Gemini(t *testing.T) {
	got := buildCompatibleURL("https://generativelanguage.googleapis.com", "/v1/chat/completions")
	want := "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"
	if got != want {
		t.Errorf("buildCompatibleURL() = %q, want %q", got, want)
	}
}

func TestSplitBeta(t *testing.T) {
	got := splitBeta("oauth-2025-04-20, claude-code-20250219")
	want := []string{"oauth-2025-04-20", "claude-code-20250219"}
	if len(got) != len(want) {
		t.Fatalf("splitBeta() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitBeta()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitBeta_Empty(t *testing.T) {
	if got := splitBeta(""); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestContainsBeta(t *testing.T) {
	parts := []string{"oauth-2025-04-20", "claude-code-20250219"}
	if !containsBeta(parts, "claude-code-20250219") {
		t.Error("expected containsBeta to find existing entry")
	}
	if containsBeta(parts, "not-present") {
		t.Error("expected containsBeta to not find missing entry")
	}
}
