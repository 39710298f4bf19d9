// Package provider holds one Adapter implementation per back-end wire
// format, selected per-account by account.Provider through a Registry
// rather than a provider-name switch. Header preparation, SSE tee via
// io.Pipe+io.TeeReader, URL building, and token extraction live on the
// adapters below.
package provider

import (
	"context"
	"io"
	"sync/atomic"

	"codegate-broker/internal/account"
)

// TokenUsage tracks token counts for a streaming response, populated
// asynchronously as the SSE tee observes message_start/message_delta (or
// their OpenAI-compatible equivalents) while the body streams to the client.
type TokenUsage struct {
	InputTokens      atomic.Int64
	OutputTokens     atomic.Int64
	CacheReadTokens  atomic.Int64
	CacheWriteTokens atomic.Int64
	Model            atomic.Value // string
}

// Response is what an Adapter hands back to the dispatcher after forwarding
// a request upstream.
type Response struct {
	Status   int
	Headers  map[string]string
	Body     io.ReadCloser
	IsStream bool

	// Set directly for non-streaming responses. For streaming responses,
	// read Usage once Body has been fully drained.
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	Model            string

	Usage *TokenUsage
}

// RateLimit is the result of inspecting a response for a provider-signalled
// rate limit.
type RateLimit struct {
	Limited   bool
	ResetAtMs int64 // epoch ms; the built-in adapters use now+60s if the provider didn't say
}

// ForwardOptions carries everything an Adapter needs to build and send one
// upstream request; the dispatcher fills this in from the inbound client
// request plus the chosen Account.
type ForwardOptions struct {
	Path    string
	Method  string
	Headers map[string]string // lower-cased keys
	Body    []byte
}

// Descriptor is the static, non-behavioral metadata about an adapter,
// exposed for the CLI and logging.
type Descriptor struct {
	Name           string
	DefaultBaseURL string
}

// Adapter is the contract every adapter implements: everything the
// dispatcher needs to talk to one family of back end, parameterized by the
// Account doing the talking.
type Adapter interface {
	Descriptor() Descriptor

	// PrepareHeaders builds the outbound header set for one account. token
	// is the bearer/API credential already resolved by internal/token or
	// taken directly from account.APIKey.
	PrepareHeaders(opts ForwardOptions, acct account.Account, token string) map[string]string

	// BuildURL resolves the upstream URL for opts.Path against the
	// account's custom endpoint, or the adapter's default base.
	BuildURL(opts ForwardOptions, acct account.Account) string

	// Forward sends the request and returns the (possibly still-streaming)
	// response. headers is the result of PrepareHeaders, url the result of
	// BuildURL — passed in rather than recomputed so callers can log them.
	// ctx is the inbound client request's context: canceling it (client
	// disconnect) cancels the live upstream request, including mid-stream.
	Forward(ctx context.Context, opts ForwardOptions, headers map[string]string, url string) (*Response, error)

	// ParseRateLimit inspects a completed response for a provider rate
	// limit signal (a 429 status, with the reset time taken from
	// Retry-After or a reset header).
	ParseRateLimit(resp *Response) RateLimit
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
