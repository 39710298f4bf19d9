// Package account is the account repository: durable account state
// (credentials, priority, pause, rate-limit window, usage counters) and the
// single-statement mutators the rest of the core uses to change it. It is
// the sole owner of durable account state — the dispatcher, balancer, and
// token manager only ever hold a short-lived snapshot returned from here.
package account

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codegate-broker/internal/store"
)

// AuthShape distinguishes the two mutually-exclusive credential shapes an
// account can have: exactly one of api_key/refresh_token is ever set.
type AuthShape string

const (
	AuthShapeAPIKey AuthShape = "api_key"
	AuthShapeOAuth  AuthShape = "oauth"
)

// Account is an upstream provider credential the broker can dispatch
// requests through.
type Account struct {
	ID        string
	Name      string
	Provider  string
	CreatedAt int64

	// Credentials: exactly one shape populated.
	APIKey       string
	RefreshToken string
	AccessToken  string
	ExpiresAt    sql.NullInt64 // epoch ms; valid iff OAuth shape

	// Scheduling attributes.
	Priority       int
	Paused         bool
	Tier           int
	CustomEndpoint string
	ModelMappings  map[string]string

	// Dynamic state.
	RequestCount        int64
	SessionRequestCount int64
	SessionStart        sql.NullInt64
	RateLimitedUntil    sql.NullInt64
	LastUsedAt          sql.NullInt64
	LastError           string
}

// Shape reports which credential shape the account has.
func (a Account) Shape() AuthShape {
	if a.RefreshToken != "" {
		return AuthShapeOAuth
	}
	return AuthShapeAPIKey
}

// IsRateLimited reports whether the account is currently excluded by a
// provider-signalled rate limit.
func (a Account) IsRateLimited(now time.Time) bool {
	return a.RateLimitedUntil.Valid && a.RateLimitedUntil.Int64 > now.UnixMilli()
}

// NeedsReauth reports the terminal OAuth failure marker.
func (a Account) NeedsReauth() bool {
	return a.LastError == "reauth_required"
}

// IsHealthy reports whether the account is eligible for selection: not
// paused, not expired, not flagged reauth_required, not currently
// rate-limited.
func (a Account) IsHealthy(now time.Time) bool {
	if a.Paused || a.NeedsReauth() {
		return false
	}
	if a.Shape() == AuthShapeOAuth && a.ExpiresAt.Valid && a.ExpiresAt.Int64 <= now.UnixMilli() {
		return false
	}
	return !a.IsRateLimited(now)
}

// Repository is the account repository.
type Repository struct {
	st     *store.Store
	cipher *store.Cipher // nil means credentials are stored in plaintext
}

// NewRepository builds a Repository. cipher may be nil, in which case
// credential columns are read and written in plaintext — acceptable for
// local development and tests, but operators should configure an
// encryption key in production (internal/config).
func NewRepository(st *store.Store, cipher *store.Cipher) *Repository {
	return &Repository{st: st, cipher: cipher}
}

func (r *Repository) encrypt(plaintext string) (string, error) {
	if r.cipher == nil || plaintext == "" {
		return plaintext, nil
	}
	return r.cipher.Encrypt(plaintext)
}

func (r *Repository) decrypt(stored string) string {
	if r.cipher == nil || stored == "" {
		return stored
	}
	plain, err := r.cipher.Decrypt(stored)
	if err != nil {
		// Already-plaintext rows (cipher configured after accounts existed)
		// fall back to the raw value rather than losing the credential.
		return stored
	}
	return plain
}

const accountColumns = `id, name, provider, api_key, refresh_token, access_token, expires_at,
	created_at, request_count, session_start, session_request_count, total_requests,
	account_tier, priority, paused, rate_limited_until, custom_endpoint, model_mappings,
	last_used_at, COALESCE(last_error, '')`

func (r *Repository) scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	var pausedInt int
	var mappingsJSON sql.NullString
	var totalRequests int64 // total_requests column, folded into RequestCount below

	err := row.Scan(
		&a.ID, &a.Name, &a.Provider, &a.APIKey, &a.RefreshToken, &a.AccessToken, &a.ExpiresAt,
		&a.CreatedAt, &a.RequestCount, &a.SessionStart, &a.SessionRequestCount, &totalRequests,
		&a.Tier, &a.Priority, &pausedInt, &a.RateLimitedUntil, &a.CustomEndpoint, &mappingsJSON,
		&a.LastUsedAt, &a.LastError,
	)
	if err != nil {
		return Account{}, err
	}
	a.Paused = pausedInt != 0
	if totalRequests > a.RequestCount {
		a.RequestCount = totalRequests
	}
	if mappingsJSON.Valid && mappingsJSON.String != "" {
		_ = json.Unmarshal([]byte(mappingsJSON.String), &a.ModelMappings)
	}

	a.APIKey = r.decrypt(a.APIKey)
	a.RefreshToken = r.decrypt(a.RefreshToken)
	a.AccessToken = r.decrypt(a.AccessToken)

	return a, nil
}

// List returns every account, ordered by ascending priority (the primary
// balancer key) then name, for deterministic iteration.
func (r *Repository) List() ([]Account, error) {
	rows, err := r.st.DB().Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := r.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByProvider returns non-paused accounts for one provider. Rate-limited
// accounts are not filtered out here; balancer.Candidates excludes them.
func (r *Repository) ListByProvider(provider string) ([]Account, error) {
	rows, err := r.st.DB().Query(
		`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND paused = 0 ORDER BY priority ASC, name ASC`,
		provider,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := r.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) GetByID(id string) (*Account, error) {
	row := r.st.DB().QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := r.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetByName(name string) (*Account, error) {
	row := r.st.DB().QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	a, err := r.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// NewAccountInput is the set of fields a caller supplies to Insert; dynamic
// state and the id are assigned by the repository.
type NewAccountInput struct {
	Name           string
	Provider       string
	APIKey         string
	RefreshToken   string
	AccessToken    string
	ExpiresAt      *int64
	Priority       int
	Tier           int
	CustomEndpoint string
	ModelMappings  map[string]string
}

// Insert creates a new account, enforcing the priority-bounds invariant and
// the exclusive-credential-shape invariant.
func (r *Repository) Insert(in NewAccountInput) (*Account, error) {
	if in.Priority < 0 || in.Priority > 100 {
		return nil, fmt.Errorf("priority must be in [0,100], got %d", in.Priority)
	}
	if in.APIKey == "" && in.RefreshToken == "" {
		return nil, fmt.Errorf("account must have either an api key or a refresh token")
	}
	if in.APIKey != "" && in.RefreshToken != "" {
		return nil, fmt.Errorf("account must have exactly one credential shape, not both")
	}
	if in.Tier <= 0 {
		in.Tier = 1
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()

	var mappingsJSON any
	if len(in.ModelMappings) > 0 {
		b, err := json.Marshal(in.ModelMappings)
		if err != nil {
			return nil, fmt.Errorf("marshal model mappings: %w", err)
		}
		mappingsJSON = string(b)
	}

	apiKey, err := r.encrypt(in.APIKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt api key: %w", err)
	}
	refreshToken, err := r.encrypt(in.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	accessToken, err := r.encrypt(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	err = r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO accounts
			(id, name, provider, api_key, refresh_token, access_token, expires_at, created_at,
			 request_count, session_start, session_request_count, total_requests,
			 account_tier, priority, paused, rate_limited_until, custom_endpoint, model_mappings)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, 0, ?, ?, 0, NULL, ?, ?)`,
			id, in.Name, in.Provider, nullStr(apiKey), nullStr(refreshToken), nullStr(accessToken),
			in.ExpiresAt, now, in.Tier, in.Priority, nullStr(in.CustomEndpoint), mappingsJSON,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	return r.GetByID(id)
}

// MarkRateLimited sets rate_limited_until, idempotently: re-applying the
// same (id, resetTime) is a no-op — a plain UPDATE already is.
func (r *Repository) MarkRateLimited(id string, untilMs int64) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET rate_limited_until = ? WHERE id = ?`, untilMs, id)
		return err
	})
}

func (r *Repository) ClearRateLimit(id string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET rate_limited_until = NULL WHERE id = ?`, id)
		return err
	})
}

func (r *Repository) Pause(id string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET paused = 1 WHERE id = ?`, id)
		return err
	})
}

func (r *Repository) Resume(id string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET paused = 0 WHERE id = ?`, id)
		return err
	})
}

func (r *Repository) SetPriority(id string, priority int) error {
	if priority < 0 || priority > 100 {
		return fmt.Errorf("priority must be in [0,100], got %d", priority)
	}
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET priority = ? WHERE id = ?`, priority, id)
		return err
	})
}

// TouchUsage applies the monotone counters and last-used timestamp the
// dispatcher updates on every attempted request. newSession resets
// session_request_count/session_start for a new session window; the caller
// (balancer-aware dispatcher) decides whether the window has elapsed.
func (r *Repository) TouchUsage(id string, now time.Time, newSession bool) error {
	nowMs := now.UnixMilli()
	return r.st.WithWrite(func(db *sql.DB) error {
		if newSession {
			_, err := db.Exec(`UPDATE accounts SET
				request_count = request_count + 1,
				total_requests = total_requests + 1,
				session_request_count = 1,
				session_start = ?,
				last_used_at = ?
				WHERE id = ?`, nowMs, nowMs, id)
			return err
		}
		_, err := db.Exec(`UPDATE accounts SET
			request_count = request_count + 1,
			total_requests = total_requests + 1,
			session_request_count = session_request_count + 1,
			last_used_at = ?
			WHERE id = ?`, nowMs, id)
		return err
	})
}

// UpdateTokens persists a refreshed OAuth token set.
func (r *Repository) UpdateTokens(id, accessToken string, refreshToken *string, expiresAt int64) error {
	encAccessToken, err := r.encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var encRefreshToken *string
	if refreshToken != nil {
		v, err := r.encrypt(*refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encRefreshToken = &v
	}
	accessToken, refreshToken = encAccessToken, encRefreshToken

	return r.st.WithWrite(func(db *sql.DB) error {
		if refreshToken != nil {
			_, err := db.Exec(`UPDATE accounts SET access_token = ?, refresh_token = ?, expires_at = ?, last_error = NULL WHERE id = ?`,
				accessToken, *refreshToken, expiresAt, id)
			return err
		}
		_, err := db.Exec(`UPDATE accounts SET access_token = ?, expires_at = ?, last_error = NULL WHERE id = ?`,
			accessToken, expiresAt, id)
		return err
	})
}

// MarkReauthRequired implements the terminal invalid_grant handling: clears
// expires_at so the account reads as expired, and tags last_error so the
// balancer/CLI can de-prioritise it until manual re-authentication.
func (r *Repository) MarkReauthRequired(id string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET last_error = 'reauth_required', expires_at = NULL WHERE id = ?`, id)
		return err
	})
}

// SetLastError records a non-terminal error message without affecting
// scheduling (unlike MarkReauthRequired).
func (r *Repository) SetLastError(id, msg string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET last_error = ? WHERE id = ?`, msg, id)
		return err
	})
}

// ClearLastError removes any previously recorded error, e.g. on success.
func (r *Repository) ClearLastError(id string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET last_error = NULL WHERE id = ?`, id)
		return err
	})
}

// Remove deletes an account outright (CLI `remove`).
func (r *Repository) Remove(id string) error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
		return err
	})
}

// ResetStats zeroes the lifetime/session counters for every account (CLI
// `reset-stats`).
func (r *Repository) ResetStats() error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE accounts SET request_count = 0, total_requests = 0,
			session_request_count = 0, session_start = NULL`)
		return err
	})
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
