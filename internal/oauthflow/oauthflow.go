// Package oauthflow is the OAuth flow helper: PKCE authorize/exchange for
// Anthropic's Claude Pro/Max OAuth, plus the refresh-token POST that
// internal/token calls on every renewal.
package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codegate-broker/internal/account"
)

// DefaultAnthropicClientID is the client_id codegate-broker registers
// itself under when config.Config.ClientID is left unset.
const (
	DefaultAnthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicAuthorizeURL    = "https://claude.ai/oauth/authorize"
	anthropicTokenURL        = "https://console.anthropic.com/v1/oauth/token"
	anthropicAPIKeyURL       = "https://api.anthropic.com/api/oauth/claude_cli/create_api_key"
	consoleRedirectURI       = "https://console.anthropic.com/oauth/code/callback"
	maxRedirectURI           = "https://console.anthropic.com/oauth/code/callback"
)

// Mode selects which OAuth audience is requested: "max" mints a Claude
// Pro/Max session token (used directly as a bearer token against the
// Anthropic API), "console" mints a short-lived console session that is
// then exchanged for a long-lived API key via CreateAPIKey.
type Mode string

const (
	ModeMax     Mode = "max"
	ModeConsole Mode = "console"
)

// TokenSet is the result of an exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

type pendingSession struct {
	verifier    string
	state       string
	mode        Mode
	accountName string
	createdAt   time.Time
}

// Session is what Begin hands back to the caller: a session id to pass to
// Complete, and the URL the operator should open in a browser.
type Session struct {
	ID           string
	AuthorizeURL string
}

// Flow holds in-flight PKCE sessions between Begin and Complete. Sessions
// are process-local and expire on restart — acceptable because completing
// an OAuth login is an interactive, one-shot operator action, never resumed
// across a restart.
type Flow struct {
	mu       sync.Mutex
	sessions map[string]pendingSession
	clientID string
}

// NewFlow builds a Flow that authorizes under clientID. An empty clientID
// falls back to DefaultAnthropicClientID.
func NewFlow(clientID string) *Flow {
	if clientID == "" {
		clientID = DefaultAnthropicClientID
	}
	return &Flow{sessions: make(map[string]pendingSession), clientID: clientID}
}

// Begin starts a PKCE authorization for account name under the given mode.
// It rejects a name already in use by another in-flight session.
func (f *Flow) Begin(name string, mode Mode) (*Session, error) {
	f.mu.Lock()
	for _, s := range f.sessions {
		if s.accountName == name {
			f.mu.Unlock()
			return nil, fmt.Errorf("an oauth session for account %q is already in progress", name)
		}
	}
	f.mu.Unlock()

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, fmt.Errorf("generate pkce: %w", err)
	}

	state := uuid.NewString()
	sessionID := uuid.NewString()

	f.mu.Lock()
	f.sessions[sessionID] = pendingSession{
		verifier:    verifier,
		state:       state,
		mode:        mode,
		accountName: name,
		createdAt:   time.Now(),
	}
	f.mu.Unlock()

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", f.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURIFor(mode))
	q.Set("scope", "org:create_api_key user:profile user:inference")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	return &Session{ID: sessionID, AuthorizeURL: anthropicAuthorizeURL + "?" + q.Encode()}, nil
}

// Complete exchanges the authorization code returned to the operator (the
// code the Anthropic callback page shows, typically "code#state") for a
// token set, mints a long-lived API key when the session was started in
// console mode (or the grant came back without a refresh token), and
// persists the resulting account through repo. name must match the name
// Begin was called with.
func (f *Flow) Complete(repo *account.Repository, sessionID, rawCode string, tier int, name string) (*account.Account, error) {
	f.mu.Lock()
	sess, ok := f.sessions[sessionID]
	if ok {
		delete(f.sessions, sessionID)
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown or expired oauth session %q", sessionID)
	}
	if sess.accountName != name {
		return nil, fmt.Errorf("session %q was started for account %q, not %q", sessionID, sess.accountName, name)
	}
	if tier <= 0 {
		tier = 1
	}

	code := rawCode
	if idx := strings.Index(rawCode, "#"); idx != -1 {
		code = rawCode[:idx]
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("state", sess.state)
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", f.clientID)
	form.Set("redirect_uri", redirectURIFor(sess.mode))
	form.Set("code_verifier", sess.verifier)

	tok, err := postToken(form)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	in := account.NewAccountInput{
		Name:     name,
		Provider: "anthropic",
		Priority: 50,
		Tier:     tier,
	}

	if sess.mode == ModeConsole || tok.RefreshToken == "" {
		apiKey, err := CreateAPIKey(tok.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("create api key: %w", err)
		}
		in.APIKey = apiKey
	} else {
		in.RefreshToken = tok.RefreshToken
		in.AccessToken = tok.AccessToken
		in.ExpiresAt = &tok.ExpiresAtMs
	}

	return repo.Insert(in)
}

// RefreshAccessToken exchanges a refresh token for a new access token,
// called by internal/token whenever an OAuth account's token is near or
// past expiry. An empty clientID falls back to DefaultAnthropicClientID.
func RefreshAccessToken(refreshToken, clientID string) (TokenSet, error) {
	if clientID == "" {
		clientID = DefaultAnthropicClientID
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	return postToken(form)
}

// CreateAPIKey mints a long-lived API key from a console-mode access token.
func CreateAPIKey(accessToken string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, anthropicAPIKeyURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create api key request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create api key: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		RawKey string `json:"raw_key"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode api key response: %w", err)
	}
	return parsed.RawKey, nil
}

func postToken(form url.Values) (TokenSet, error) {
	resp, err := http.PostForm(anthropicTokenURL, form)
	if err != nil {
		return TokenSet{}, fmt.Errorf("post token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenSet{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenSet{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}

	return TokenSet{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAtMs:  time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

func redirectURIFor(mode Mode) string {
	if mode == ModeConsole {
		return consoleRedirectURI
	}
	return maxRedirectURI
}

func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
