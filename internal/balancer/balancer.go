// Package balancer implements the load balancer: a deterministic
// four-key ordered candidate selection rule over a pool of eligible
// accounts.
package balancer

import (
	"sort"
	"time"

	"codegate-broker/internal/account"
)

// DefaultSessionWindow is the default session window.
const DefaultSessionWindow = 5 * time.Hour

// Candidates returns the ordered candidate list for one client request:
// enabled accounts excluding paused and currently rate-limited ones,
// ordered by:
//  1. ascending priority
//  2. descending tier
//  3. ascending session_request_count
//  4. ascending last_used_at (unused accounts first)
//
// provider narrows the pool to one back end; pass "" to consider every
// configured provider. Each account still carries its own Provider field, so
// the dispatcher resolves the right adapter per candidate at forward time —
// the broker fails over across providers, not just within one.
func Candidates(accounts []account.Account, provider string, now time.Time) []account.Account {
	var eligible []account.Account
	for _, a := range accounts {
		if provider != "" && a.Provider != provider {
			continue
		}
		if a.Paused {
			continue
		}
		if a.IsRateLimited(now) {
			continue
		}
		eligible = append(eligible, a)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		x, y := eligible[i], eligible[j]

		if x.Priority != y.Priority {
			return x.Priority < y.Priority
		}
		if x.Tier != y.Tier {
			return x.Tier > y.Tier
		}
		if x.SessionRequestCount != y.SessionRequestCount {
			return x.SessionRequestCount < y.SessionRequestCount
		}
		return lastUsed(x) < lastUsed(y)
	})

	return eligible
}

func lastUsed(a account.Account) int64 {
	if !a.LastUsedAt.Valid {
		return 0 // unused accounts sort first
	}
	return a.LastUsedAt.Int64
}

// SessionNeedsReset reports whether the dispatcher should reset
// session_request_count/session_start for an account it is about to commit
// to: true if a session has not yet started, or the current one is older
// than the configured session window. The reset itself happens in
// account.Repository.TouchUsage; this is the decision function.
func SessionNeedsReset(a account.Account, now time.Time, sessionWindow time.Duration) bool {
	if !a.SessionStart.Valid {
		return true
	}
	started := time.UnixMilli(a.SessionStart.Int64)
	return now.Sub(started) >= sessionWindow
}
