package balancer

import (
	"database/sql"
	"testing"
	"time"

	"codegate-broker/internal/account"
)

func acct(name, provider string, priority, tier int, sessionCount int64, lastUsed int64) account.Account {
	a := account.Account{
		Name:                name,
		Provider:            provider,
		Priority:            priority,
		Tier:                tier,
		SessionRequestCount: sessionCount,
	}
	if lastUsed != 0 {
		a.LastUsedAt = sql.NullInt64{Int64: lastUsed, Valid: true}
	}
	return a
}

func TestCandidates_ExcludesPausedAndRateLimited(t *testing.T) {
	now := time.Now()
	accounts := []account.Account{
		acct("a", "anthropic", 10, 1, 0, 0),
		func() account.Account {
			a := acct("b", "anthropic", 5, 1, 0, 0)
			a.Paused = true
			return a
		}(),
		func() account.Account {
			a := acct("c", "anthropic", 1, 1, 0, 0)
			a.RateLimitedUntil = sql.NullInt64{Int64: now.Add(time.Hour).UnixMilli(), Valid: true}
			return a
		}(),
	}

	got := Candidates(accounts, "", now)
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("expected only 'a' to survive, got %+v", got)
	}
}

func TestCandidates_RateLimitExpired(t *testing.T) {
	now := time.Now()
	a := acct("a", "anthropic", 1, 1, 0, 0)
	a.RateLimitedUntil = sql.NullInt64{Int64: now.Add(-time.Minute).UnixMilli(), Valid: true}

	got := Candidates([]account.Account{a}, "", now)
	if len(got) != 1 {
		t.Fatalf("expected expired rate limit to be treated as healthy, got %d candidates", len(got))
	}
}

func TestCandidates_ProviderFilterIsOptional(t *testing.T) {
	now := time.Now()
	accounts := []account.Account{
		acct("a", "anthropic", 10, 1, 0, 0),
		acct("b", "openai-compatible", 20, 1, 0, 0),
	}

	all := Candidates(accounts, "", now)
	if len(all) != 2 {
		t.Fatalf("expected both providers with empty filter, got %d", len(all))
	}

	filtered := Candidates(accounts, "anthropic", now)
	if len(filtered) != 1 || filtered[0].Name != "a" {
		t.Fatalf("expected only anthropic account, got %+v", filtered)
	}
}

func TestCandidates_OrderingPriorityThenTierThenSessionThenLastUsed(t *testing.T) {
	now := time.Now()
	accounts := []account.Account{
		acct("low-priority", "anthropic", 50, 1, 0, 0),
		acct("high-priority", "anthropic", 10, 1, 0, 0),
		acct("same-priority-low-tier", "anthropic", 10, 1, 0, 0),
		acct("same-priority-high-tier", "anthropic", 10, 5, 0, 0),
	}

	got := Candidates(accounts, "", now)
	names := make([]string, len(got))
	for i, a := range got {
		names[i] = a.Name
	}

	if names[0] != "same-priority-high-tier" {
		t.Errorf("expected high-tier account to sort first among equal priority, got order %v", names)
	}
	if names[len(names)-1] != "low-priority" {
		t.Errorf("expected low-priority account to sort last, got order %v", names)
	}
}

func TestCandidates_SessionCountTieBreak(t *testing.T) {
	now := time.Now()
	accounts := []account.Account{
		acct("busy", "anthropic", 10, 1, 5, 100),
		acct("idle", "anthropic", 10, 1, 0, 100),
	}

	got := Candidates(accounts, "", now)
	if got[0].Name != "idle" {
		t.Errorf("expected lower session_request_count to sort first, got %v", got[0].Name)
	}
}

func TestCandidates_UnusedAccountsSortFirst(t *testing.T) {
	now := time.Now()
	accounts := []account.Account{
		acct("used", "anthropic", 10, 1, 0, 100),
		acct("never-used", "anthropic", 10, 1, 0, 0),
	}

	got := Candidates(accounts, "", now)
	if got[0].Name != "never-used" {
		t.Errorf("expected never-used account (last_used_at NULL) to sort first, got %v", got[0].Name)
	}
}

func TestSessionNeedsReset(t *testing.T) {
	now := time.Now()

	noSession := account.Account{}
	if !SessionNeedsReset(noSession, now, DefaultSessionWindow) {
		t.Error("expected reset when session_start is unset")
	}

	fresh := account.Account{SessionStart: sql.NullInt64{Int64: now.Add(-time.Minute).UnixMilli(), Valid: true}}
	if SessionNeedsReset(fresh, now, DefaultSessionWindow) {
		t.Error("did not expect reset for a session within the window")
	}

	stale := account.Account{SessionStart: sql.NullInt64{Int64: now.Add(-6 * time.Hour).UnixMilli(), Valid: true}}
	if !SessionNeedsReset(stale, now, DefaultSessionWindow) {
		t.Error("expected reset for a session older than the window")
	}
}
