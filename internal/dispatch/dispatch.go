// Package dispatch is the proxy dispatcher: the HTTP handler that runs the
// full per-request algorithm (classify, pick candidates, try each until one
// commits, stream the response, record usage). It reads the request body
// once, loops the balancer's priority-ordered, cross-provider candidate
// list, copies the upstream response to the client, and records usage off
// the hot path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codegate-broker/internal/account"
	"codegate-broker/internal/balancer"
	"codegate-broker/internal/errs"
	"codegate-broker/internal/limits"
	"codegate-broker/internal/logging"
	"codegate-broker/internal/metrics"
	"codegate-broker/internal/provider"
	"codegate-broker/internal/token"
	"codegate-broker/internal/usage"
)

// Dispatcher is the composition of every core component needed to serve one
// proxied request.
type Dispatcher struct {
	Accounts *account.Repository
	Registry *provider.Registry
	Tokens   *token.Manager
	Usage    *usage.Recorder
	Metrics  *metrics.Metrics
	Limits   *limits.Table // nil disables max_tokens clamping

	SessionWindow time.Duration
}

// New builds a Dispatcher with the default session window.
func New(accounts *account.Repository, registry *provider.Registry, tokens *token.Manager, rec *usage.Recorder, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		Accounts:      accounts,
		Registry:      registry,
		Tokens:        tokens,
		Usage:         rec,
		Metrics:       m,
		SessionWindow: balancer.DefaultSessionWindow,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		d.writeError(w, errs.KindValidation, "failed to read request body", nil)
		d.Metrics.ObserveRequest(errs.KindValidation.String())
		return
	}

	headers := lowerHeaders(r.Header)

	accounts, err := d.Accounts.List()
	if err != nil {
		logging.L().Error().Err(err).Msg("dispatch: list accounts")
		d.writeError(w, errs.KindFatal, "internal error", nil)
		d.Metrics.ObserveRequest(errs.KindFatal.String())
		return
	}

	candidates := balancer.Candidates(accounts, "", start)
	if len(candidates) == 0 {
		d.writeError(w, errs.KindNoAccount, "", nil)
		d.Metrics.ObserveRequest(errs.KindNoAccount.String())
		d.recordNoAccount(r, start, "")
		return
	}

	var lastErr error
	for _, cand := range candidates {
		committed, attemptErr := d.attempt(w, r, cand, headers, body, start)
		if committed {
			return
		}
		lastErr = attemptErr
		if attemptErr != nil {
			logging.L().Warn().Err(attemptErr).Str("account", cand.Name).Str("provider", cand.Provider).Msg("attempt failed, trying next candidate")
		}
	}

	d.Metrics.ObserveRequest(errs.KindNoAccount.String())
	details := map[string]string{}
	lastErrMsg := ""
	if lastErr != nil {
		lastErrMsg = lastErr.Error()
		details["last_error"] = lastErrMsg
	}
	d.writeError(w, errs.KindNoAccount, "", details)
	d.recordNoAccount(r, start, lastErrMsg)
}

// noAccountSentinel is the requests.account_id value written when no account
// ends up serving a request (no healthy candidate, or every candidate failed
// over), so it still shows up in `analyze` instead of vanishing off the hot
// path untracked.
const noAccountSentinel = "no-account"

func (d *Dispatcher) recordNoAccount(r *http.Request, start time.Time, lastErr string) {
	if d.Usage == nil {
		return
	}
	errMsg := errs.KindNoAccount.String()
	if lastErr != "" {
		errMsg = lastErr
	}
	if err := d.Usage.Record(usage.Completion{
		Method:     r.Method,
		Path:       r.URL.Path,
		AccountID:  noAccountSentinel,
		StatusCode: errs.KindNoAccount.HTTPStatus(),
		Start:      start,
		End:        time.Now(),
		Error:      errMsg,
	}); err != nil {
		logging.L().Error().Err(err).Msg("record usage: no account")
	}
}

// attempt tries exactly one candidate account. It returns committed=true
// once any bytes of the upstream response have been written to the client —
// from that point the request is no longer retryable — and also when the
// client disconnected before the upstream answered, which ends failover.
func (d *Dispatcher) attempt(w http.ResponseWriter, r *http.Request, cand account.Account, headers map[string]string, body []byte, start time.Time) (committed bool, err error) {
	tok, err := d.Tokens.AccessTokenFor(cand)
	if err != nil {
		d.Metrics.ObserveAttempt(cand.Name, cand.Provider, "auth")
		return false, fmt.Errorf("resolve token: %w", err)
	}

	adapter, err := d.Registry.For(cand.Provider)
	if err != nil {
		d.Metrics.ObserveAttempt(cand.Name, cand.Provider, "no_adapter")
		return false, err
	}

	outBody, originalModel, err := provider.ApplyModelMapping(body, cand.ModelMappings)
	if err != nil {
		return false, fmt.Errorf("apply model mapping: %w", err)
	}

	if d.Limits != nil {
		outBody = provider.ClampMaxTokens(outBody, func(model string, requested int) int {
			v := requested
			return *d.Limits.ClampMaxTokens(&v, model)
		})
	}

	opts := provider.ForwardOptions{
		Path:    r.URL.Path,
		Method:  r.Method,
		Headers: headers,
		Body:    outBody,
	}
	url := adapter.BuildURL(opts, cand)
	outHeaders := adapter.PrepareHeaders(opts, cand, tok)

	resp, err := adapter.Forward(r.Context(), opts, outHeaders, url)
	if err != nil {
		if r.Context().Err() != nil {
			d.Metrics.ObserveAttempt(cand.Name, cand.Provider, errs.KindClientAbort.String())
			d.Metrics.ObserveRequest(errs.KindClientAbort.String())
			d.recordAbort(r, cand, start)
			return true, nil
		}
		d.Metrics.ObserveAttempt(cand.Name, cand.Provider, "transport")
		_ = d.Accounts.SetLastError(cand.ID, err.Error())
		return false, fmt.Errorf("forward: %w", err)
	}

	kind := errs.ClassifyStatus(resp.Status)
	if kind.Retryable() {
		d.handleRejection(adapter, cand, resp, kind)
		return false, fmt.Errorf("upstream returned %d (%s)", resp.Status, kind)
	}

	// Commit: from here on the response is going to the client no matter what.
	d.Metrics.ObserveAttempt(cand.Name, cand.Provider, "success")
	d.Metrics.ObserveRequest("success")
	_ = d.Accounts.ClearLastError(cand.ID)

	newSession := balancer.SessionNeedsReset(cand, start, d.SessionWindow)
	if err := d.Accounts.TouchUsage(cand.ID, start, newSession); err != nil {
		logging.L().Error().Err(err).Str("account", cand.Name).Msg("touch usage")
	}

	aborted := d.writeResponse(w, r, resp, originalModel)

	go d.finalize(r, cand, resp, originalModel, start, aborted)

	return true, nil
}

func (d *Dispatcher) handleRejection(adapter provider.Adapter, cand account.Account, resp *provider.Response, kind errs.Kind) {
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	d.Metrics.ObserveAttempt(cand.Name, cand.Provider, kind.String())

	if kind == errs.KindRateLimit {
		rl := adapter.ParseRateLimit(resp)
		if rl.Limited {
			if err := d.Accounts.MarkRateLimited(cand.ID, rl.ResetAtMs); err != nil {
				logging.L().Error().Err(err).Str("account", cand.Name).Msg("mark rate limited")
			}
		}
	}

	_ = d.Accounts.SetLastError(cand.ID, fmt.Sprintf("upstream status %d", resp.Status))
}

// writeResponse streams resp to the client, rewriting the model field back
// to what the client originally asked for when an account-level mapping
// substituted a different upstream model. It reports whether the client
// disconnected before the response was fully delivered.
func (d *Dispatcher) writeResponse(w http.ResponseWriter, r *http.Request, resp *provider.Response, originalModel string) (aborted bool) {
	for k, v := range resp.Headers {
		if k == "content-length" || k == "content-encoding" || k == "transfer-encoding" {
			continue
		}
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Proxy-Broker", "codegate-broker")
	w.WriteHeader(resp.Status)

	body := resp.Body
	if resp.IsStream {
		body = provider.RewriteStreamModel(body, originalModel)
		flusher, _ := w.(http.Flusher)
		return copyStream(w, body, r.Context(), flusher)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return r.Context().Err() != nil
	}
	raw = provider.RewriteResponseModel(raw, originalModel)
	w.Write(raw)
	return false
}

// copyStream drains body to w, flushing after each chunk so SSE clients see
// events as they arrive. It returns true if ctx was canceled (client
// disconnect) before the stream finished on its own.
func copyStream(w io.Writer, body io.ReadCloser, ctx context.Context, flusher http.Flusher) bool {
	defer body.Close()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return true
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return ctx.Err() != nil
		}
	}
}

// finalize records the completed request after the body has been fully
// drained to the client, off the request-serving goroutine so accounting
// never adds latency to the response. aborted marks that the client
// disconnected before the stream finished.
func (d *Dispatcher) finalize(r *http.Request, cand account.Account, resp *provider.Response, originalModel string, start time.Time, aborted bool) {
	// Cost and the persisted requests.model reflect the real upstream model
	// that was billed, not the client-visible alias — RewriteResponseModel/
	// RewriteStreamModel already restored the alias in the bytes sent to the
	// client; accounting stays truthful to what was actually charged.
	tokens, model := usage.FromResponse(resp)

	d.Metrics.ObserveTokens(tokens.Input, tokens.Output, tokens.CacheRead, tokens.CacheWrite)
	cost := d.Usage.EstimateCost(model, tokens)
	d.Metrics.ObserveCost(model, cost)
	d.Metrics.ObserveDuration(cand.Provider, time.Since(start).Seconds())

	errMsg := ""
	if aborted {
		errMsg = errs.KindClientAbort.String()
		d.Metrics.ObserveAttempt(cand.Name, cand.Provider, errMsg)
	}

	err := d.Usage.Record(usage.Completion{
		Method:     r.Method,
		Path:       r.URL.Path,
		AccountID:  cand.ID,
		StatusCode: resp.Status,
		Start:      start,
		End:        time.Now(),
		Model:      model,
		Tokens:     tokens,
		Error:      errMsg,
	})
	if err != nil {
		logging.L().Error().Err(err).Str("account", cand.Name).Msg("record usage")
	}
}

// recordAbort persists a request row for a client disconnect that happened
// before any upstream response was received, so it still shows up in
// `analyze` instead of vanishing silently.
func (d *Dispatcher) recordAbort(r *http.Request, cand account.Account, start time.Time) {
	if d.Usage == nil {
		return
	}
	if err := d.Usage.Record(usage.Completion{
		Method:     r.Method,
		Path:       r.URL.Path,
		AccountID:  cand.ID,
		StatusCode: errs.KindClientAbort.HTTPStatus(),
		Start:      start,
		End:        time.Now(),
		Error:      errs.KindClientAbort.String(),
	}); err != nil {
		logging.L().Error().Err(err).Str("account", cand.Name).Msg("record usage: client abort")
	}
}

func (d *Dispatcher) writeError(w http.ResponseWriter, kind errs.Kind, message string, details any) {
	body := errs.Translate(kind, message, details)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	enc := json.NewEncoder(w)
	_ = enc.Encode(body)
}

func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}
