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

// OpenAICompatible forwards requests against an OpenAI-style chat/completions
// wire format. It serves "openai-compatible", "openrouter", "kilo", and any
// provider name the Registry does not recognise.
type OpenAICompatible struct {
	name           string
	defaultBaseURL string
}

func NewOpenAICompatible(name, defaultBaseURL string) *OpenAICompatible {
	return &OpenAICompatible{name: name, defaultBaseURL: defaultBaseURL}
}

func (o *OpenAICompatible) Descriptor() Descriptor {
	return Descriptor{Name: o.name, DefaultBaseURL: o.defaultBaseURL}
}

func (o *OpenAICompatible) BuildURL(opts ForwardOptions, acct account.Account) string {
	base := o.defaultBaseURL
	if acct.CustomEndpoint != "" {
		base = acct.CustomEndpoint
	}
	return buildCompatibleURL(base, opts.Path)
}

func (o *OpenAICompatible) PrepareHeaders(opts ForwardOptions, acct account.Account, token string) map[string]string {
	out := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + token,
	}
	if org := opts.Headers["openai-organization"]; org != "" {
		out["OpenAI-Organization"] = org
	}
	return out
}

func (o *OpenAICompatible) Forward(ctx context.Context, opts ForwardOptions, headers map[string]string, url string) (*Response, error) {
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
			extractOpenAISSETokens(tee, usage)
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

	var inputTokens, outputTokens int
	var model string

	var parsed map[string]any
	if err := json.Unmarshal(bodyBytes, &parsed); err == nil {
		if m, ok := parsed["model"].(string); ok {
			model = m
		}
		if u, ok := parsed["usage"].(map[string]any); ok {
			inputTokens = intFromAny(u["prompt_tokens"])
			outputTokens = intFromAny(u["completion_tokens"])
		}
	}

	return &Response{
		Status:       resp.StatusCode,
		Headers:      respHeaders,
		Body:         io.NopCloser(strings.NewReader(string(bodyBytes))),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        model,
		IsStream:     false,
	}, nil
}

func (o *OpenAICompatible) ParseRateLimit(resp *Response) RateLimit {
	if resp.Status != http.StatusTooManyRequests {
		return RateLimit{}
	}
	return RateLimit{Limited: true, ResetAtMs: parseRetryAfterMs(resp.Headers)}
}

func extractOpenAISSETokens(r io.Reader, usage *TokenUsage) {
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

		if m, ok := ev["model"].(string); ok {
			usage.Model.Store(m)
		}
		if u, ok := ev["usage"].(map[string]any); ok {
			usage.InputTokens.Store(int64(intFromAny(u["prompt_tokens"])))
			usage.OutputTokens.Store(int64(intFromAny(u["completion_tokens"])))
		}
	}

	if err := scanner.Err(); err != nil {
		logging.L().Warn().Err(err).Str("provider", "openai-compatible").Msg("sse parse error")
	}
}
