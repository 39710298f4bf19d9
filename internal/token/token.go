// Package token is the token manager: it hands the dispatcher a valid
// bearer credential for an account, refreshing OAuth tokens lazily (on the
// request path) and proactively (a background sweep). It works purely off
// the Account row — the account is the sole source of truth, no credential
// file.
package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"codegate-broker/internal/account"
	"codegate-broker/internal/logging"
	"codegate-broker/internal/oauthflow"
)

// DefaultLeeway is how far ahead of expires_at a token is treated as already
// needing refresh, absorbing clock skew and in-flight request latency.
const DefaultLeeway = 2 * time.Minute

// Manager resolves and refreshes per-account bearer credentials.
type Manager struct {
	accounts *account.Repository
	leeway   time.Duration
	clientID string
	sf       singleflight.Group
}

// NewManager builds a Manager. clientID is the OAuth client_id used to
// refresh Anthropic accounts; an empty value falls back to
// oauthflow.DefaultAnthropicClientID.
func NewManager(accounts *account.Repository, leeway time.Duration, clientID string) *Manager {
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Manager{accounts: accounts, leeway: leeway, clientID: clientID}
}

// AccessTokenFor returns the credential to send upstream for acct: the raw
// API key for API-key accounts, or a valid (refreshing if necessary) access
// token for OAuth accounts.
func (m *Manager) AccessTokenFor(acct account.Account) (string, error) {
	if acct.Shape() == account.AuthShapeAPIKey {
		return acct.APIKey, nil
	}

	if acct.NeedsReauth() {
		return "", fmt.Errorf("account %s requires re-authentication", acct.Name)
	}

	if !m.needsRefresh(acct) {
		return acct.AccessToken, nil
	}

	return m.refresh(acct)
}

func (m *Manager) needsRefresh(acct account.Account) bool {
	if !acct.ExpiresAt.Valid {
		return true
	}
	return acct.ExpiresAt.Int64 <= time.Now().Add(m.leeway).UnixMilli()
}

// refresh coalesces concurrent refreshes for the same account into a single
// upstream call via singleflight, then re-checks the persisted row in case
// a refresh already landed between the caller observing staleness and
// acquiring the singleflight slot.
func (m *Manager) refresh(acct account.Account) (string, error) {
	v, err, _ := m.sf.Do(acct.ID, func() (any, error) {
		fresh, ferr := m.accounts.GetByID(acct.ID)
		if ferr != nil {
			return "", fmt.Errorf("reload account before refresh: %w", ferr)
		}
		if fresh == nil {
			return "", fmt.Errorf("account %s no longer exists", acct.ID)
		}
		if !m.needsRefresh(*fresh) {
			return fresh.AccessToken, nil
		}

		ts, rerr := oauthflow.RefreshAccessToken(fresh.RefreshToken, m.clientID)
		if rerr != nil {
			if isInvalidGrant(rerr) {
				if merr := m.accounts.MarkReauthRequired(fresh.ID); merr != nil {
					logging.L().Error().Err(merr).Str("account", fresh.Name).Msg("mark reauth required")
				}
			}
			return "", fmt.Errorf("refresh token for %s: %w", fresh.Name, rerr)
		}

		var refreshTokenPtr *string
		if ts.RefreshToken != "" {
			refreshTokenPtr = &ts.RefreshToken
		}
		if uerr := m.accounts.UpdateTokens(fresh.ID, ts.AccessToken, refreshTokenPtr, ts.ExpiresAtMs); uerr != nil {
			return "", fmt.Errorf("persist refreshed token for %s: %w", fresh.Name, uerr)
		}

		return ts.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func isInvalidGrant(err error) bool {
	return strings.Contains(err.Error(), "invalid_grant")
}

// StartRefreshSweep schedules a proactive refresh pass over every OAuth
// account nearing expiry, per the given cron schedule (e.g. "*/5 * * * *"),
// using robfig/cron so the schedule can be expressed declaratively from
// config.
func (m *Manager) StartRefreshSweep(schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, m.sweepOnce)
	if err != nil {
		return nil, fmt.Errorf("schedule refresh sweep: %w", err)
	}
	c.Start()
	return c, nil
}

func (m *Manager) sweepOnce() {
	accounts, err := m.accounts.List()
	if err != nil {
		logging.L().Error().Err(err).Msg("refresh sweep: list accounts")
		return
	}

	for _, a := range accounts {
		if a.Shape() != account.AuthShapeOAuth || a.NeedsReauth() || !m.needsRefresh(a) {
			continue
		}
		if _, err := m.refresh(a); err != nil {
			logging.L().Warn().Err(err).Str("account", a.Name).Msg("background token refresh failed")
		}
	}
}
