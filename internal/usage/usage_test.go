package usage

import (
	"path/filepath"
	"testing"
	"time"

	"codegate-broker/internal/provider"
	"codegate-broker/internal/store"
)

func TestEstimateCost_KnownModel(t *testing.T) {
	r := NewRecorder(nil, nil)
	cost := r.EstimateCost("claude-sonnet-4-20250514", Tokens{Input: 1_000_000, Output: 1_000_000})
	want := 3.0 + 15.0
	if cost != want {
		t.Errorf("EstimateCost = %v, want %v", cost, want)
	}
}

func TestEstimateCost_UnknownModelIsZero(t *testing.T) {
	r := NewRecorder(nil, nil)
	if cost := r.EstimateCost("some-unlisted-model", Tokens{Input: 1000, Output: 1000}); cost != 0 {
		t.Errorf("expected 0 cost for unlisted model, got %v", cost)
	}
}

func TestTokens_Total(t *testing.T) {
	tok := Tokens{Input: 1, Output: 2, CacheRead: 3, CacheWrite: 4}
	if got := tok.Total(); got != 10 {
		t.Errorf("Total() = %d, want 10", got)
	}
}

func TestCompletion_TokensPerSecond(t *testing.T) {
	start := time.Now()
	c := Completion{Start: start, End: start.Add(2 * time.Second), Tokens: Tokens{Output: 10}}
	if got := c.TokensPerSecond(); got != 5 {
		t.Errorf("TokensPerSecond() = %v, want 5", got)
	}
}

func TestCompletion_TokensPerSecond_NoOutputIsZero(t *testing.T) {
	start := time.Now()
	c := Completion{Start: start, End: start.Add(2 * time.Second), Tokens: Tokens{Output: 0}}
	if got := c.TokensPerSecond(); got != 0 {
		t.Errorf("expected 0 with no output tokens, got %v", got)
	}
}

func TestCompletion_TokensPerSecond_NonPositiveDurationIsZero(t *testing.T) {
	start := time.Now()
	c := Completion{Start: start, End: start, Tokens: Tokens{Output: 10}}
	if got := c.TokensPerSecond(); got != 0 {
		t.Errorf("expected 0 with zero duration, got %v", got)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecord_AndAnalyze(t *testing.T) {
	st := openTestStore(t)
	r := NewRecorder(st, nil)

	start := time.Now()
	completions := []Completion{
		{Method: "POST", Path: "/v1/messages", AccountID: "acct-1", StatusCode: 200,
			Start: start, End: start.Add(time.Second), Model: "claude-sonnet-4-20250514",
			Tokens: Tokens{Input: 100, Output: 200}},
		{Method: "POST", Path: "/v1/messages", AccountID: "acct-1", StatusCode: 500,
			Start: start, End: start.Add(2 * time.Second), Error: "upstream_error", Model: "claude-sonnet-4-20250514",
			Tokens: Tokens{Input: 50, Output: 0}},
		{Method: "POST", Path: "/v1/messages", AccountID: "acct-2", StatusCode: 200,
			Start: start, End: start.Add(time.Second), Model: "claude-3-5-haiku-20241022",
			Tokens: Tokens{Input: 10, Output: 10}},
	}
	for _, c := range completions {
		if err := r.Record(c); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	summaries, err := r.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 account summaries, got %d", len(summaries))
	}

	byAccount := map[string]AccountSummary{}
	for _, s := range summaries {
		byAccount[s.AccountID] = s
	}

	acct1 := byAccount["acct-1"]
	if acct1.Requests != 2 {
		t.Errorf("acct-1 requests = %d, want 2", acct1.Requests)
	}
	if acct1.ErrorCount != 1 {
		t.Errorf("acct-1 error count = %d, want 1", acct1.ErrorCount)
	}
	if acct1.TotalTokens != 350 {
		t.Errorf("acct-1 total tokens = %d, want 350", acct1.TotalTokens)
	}

	acct2 := byAccount["acct-2"]
	if acct2.Requests != 1 {
		t.Errorf("acct-2 requests = %d, want 1", acct2.Requests)
	}
}

func TestClearHistory(t *testing.T) {
	st := openTestStore(t)
	r := NewRecorder(st, nil)

	start := time.Now()
	if err := r.Record(Completion{AccountID: "acct-1", Start: start, End: start.Add(time.Second), Model: "claude-sonnet-4-20250514", Tokens: Tokens{Output: 1}}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := r.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}

	summaries, err := r.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected no rows after ClearHistory, got %d", len(summaries))
	}
}

func TestFromResponse_NonStreaming(t *testing.T) {
	resp := &provider.Response{
		IsStream:         false,
		Model:            "claude-sonnet-4-20250514",
		InputTokens:      10,
		OutputTokens:     20,
		CacheReadTokens:  1,
		CacheWriteTokens: 2,
	}

	tok, model := FromResponse(resp)
	if model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", model)
	}
	if tok.Total() != 33 {
		t.Errorf("total = %d, want 33", tok.Total())
	}
}

func TestFromResponse_Streaming(t *testing.T) {
	resp := &provider.Response{IsStream: true, Usage: &provider.TokenUsage{}}
	resp.Usage.Model.Store("claude-3-5-haiku-20241022")
	resp.Usage.InputTokens.Store(5)
	resp.Usage.OutputTokens.Store(7)

	tok, model := FromResponse(resp)
	if model != "claude-3-5-haiku-20241022" {
		t.Errorf("model = %q", model)
	}
	if tok.Input != 5 || tok.Output != 7 {
		t.Errorf("tok = %+v", tok)
	}
}
