package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"codegate-broker/internal/account"
	"codegate-broker/internal/logging"
)

const anthropicDefaultBase = "https://api.anthropic.com"

// AnthropicStyle forwards requests against the Anthropic Messages wire
// format. One instance serves the "anthropic" provider (oauth or direct API
// key) and is reused, with a different DefaultBaseURL, for
// "anthropic-compatible" back ends such as z.ai that speak the same wire
// format behind a different host.
type AnthropicStyle struct {
	name           string
	defaultBaseURL string
}

func NewAnthropic() *AnthropicStyle {
	return &AnthropicStyle{name: "anthropic", defaultBaseURL: anthropicDefaultBase}
}

// NewAnthropicCompatible builds an Anthropic-wire adapter for a named
// back end with its own default base URL (e.g. z.ai's Anthropic-compatible
// endpoint), still overridable per-account via CustomEndpoint.
func NewAnthropicCompatible(name, defaultBaseURL string) *AnthropicStyle {
	return &AnthropicStyle{name: name, defaultBaseURL: defaultBaseURL}
}

func (a *AnthropicStyle) Descriptor() Descriptor {
	return Descriptor{Name: a.name, DefaultBaseURL: a.defaultBaseURL}
}

func (a *AnthropicStyle) BuildURL(opts ForwardOptions, acct account.Account) string {
	return buildURL(acct.CustomEndpoint, a.defaultBaseURL, opts.Path)
}

func (a *AnthropicStyle) PrepareHeaders(opts ForwardOptions, acct account.Account, token string) map[string]string {
	out := map[string]string{
		"Content-Type":      "application/json",
		"Anthropic-Version": "2023-06-01",
	}
	if v := opts.Headers["anthropic-version"]; v != "" {
		out["Anthropic-Version"] = v
	}

	if acct.Shape() == account.AuthShapeOAuth {
		out["Authorization"] = "Bearer " + token
		parts := splitBeta(opts.Headers["anthropic-beta"])
		if !containsBeta(parts, "oauth-2025-04-20") {
			parts = append(parts, "oauth-2025-04-20")
		}
		if !containsBeta(parts, "claude-code-20250219") {
			parts = append(parts, "claude-code-20250219")
		}
		out["Anthropic-Beta"] = strings.Join(parts, ",")
		out["Anthropic-Dangerous-Direct-Browser-Access"] = "true"
		if ua := opts.Headers["user-agent"]; ua != "" {
			out["User-Agent"] = ua
		}
		if xapp := opts.Headers["x-app"]; xapp != "" {
			out["X-App"] = xapp
		}
	} else {
		out["X-Api-Key"] = token
	}

	if beta := opts.Headers["anthropic-beta"]; beta != "" && out["Anthropic-Beta"] == "" {
		out["Anthropic-Beta"] = beta
	}

	return out
}

func (a *AnthropicStyle) Forward(ctx context.Context, opts ForwardOptions, headers map[string]string, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(opts.Method), url, strings.NewReader(string(opts.Body)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
	}

	if strings.Contains(respHeaders["content-type"], "text/event-stream") {
		pr, pw := io.Pipe()
		usage := &TokenUsage{}

		go func() {
			defer pw.Close()
			tee := io.TeeReader(resp.Body, pw)
			extractAnthropicSSETokens(tee, usage)
			resp.Body.Close()
		}()

		return &Response{
			Status:   resp.StatusCode,
			Headers:  respHeaders,
			Body:     pr,
			IsStream: true,
			Usage:    usage,
		}, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var inputTokens, outputTokens, cacheRead, cacheWrite int
	var model string

	var parsed map[string]any
	if err := json.Unmarshal(bodyBytes, &parsed); err == nil {
		if m, ok := parsed["model"].(string); ok {
			model = m
		}
		if u, ok := parsed["usage"].(map[string]any); ok {
			inputTokens = intFromAny(u["input_tokens"])
			outputTokens = intFromAny(u["output_tokens"])
			cacheRead = intFromAny(u["cache_read_input_tokens"])
			cacheWrite = intFromAny(u["cache_creation_input_tokens"])
		}
	}

	return &Response{
		Status:           resp.StatusCode,
		Headers:          respHeaders,
		Body:             io.NopCloser(strings.NewReader(string(bodyBytes))),
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		CacheReadTokens:  cacheRead,
		CacheWriteTokens: cacheWrite,
		Model:            model,
		IsStream:         false,
	}, nil
}

func (a *AnthropicStyle) ParseRateLimit(resp *Response) RateLimit {
	if resp.Status != http.StatusTooManyRequests {
		return RateLimit{}
	}
	return RateLimit{Limited: true, ResetAtMs: parseRetryAfterMs(resp.Headers)}
}

func extractAnthropicSSETokens(r io.Reader, usage *TokenUsage) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonStr := line[6:]
		if jsonStr == "[DONE]" {
			continue
		}

		var ev map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &ev); err != nil {
			continue
		}

		switch ev["type"] {
		case "message_start":
			if msg, ok := ev["message"].(map[string]any); ok {
				if m, ok := msg["model"].(string); ok {
					usage.Model.Store(m)
				}
				if u, ok := msg["usage"].(map[string]any); ok {
					usage.InputTokens.Store(int64(intFromAny(u["input_tokens"])))
					usage.CacheReadTokens.Store(int64(intFromAny(u["cache_read_input_tokens"])))
					usage.CacheWriteTokens.Store(int64(intFromAny(u["cache_creation_input_tokens"])))
				}
			}
		case "message_delta":
			if u, ok := ev["usage"].(map[string]any); ok {
				usage.OutputTokens.Store(int64(intFromAny(u["output_tokens"])))
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logging.L().Warn().Err(err).Str("provider", "anthropic").Msg("sse parse error")
	}
}
