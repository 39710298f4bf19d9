// Package usage records completed requests: it turns a provider.Response
// into a persisted request row, computing cost from the model's per-token
// pricing and tokens-per-second from wall-clock duration. Pricing is a
// name-keyed table any adapter's Model string can look up.
package usage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"codegate-broker/internal/provider"
	"codegate-broker/internal/store"
)

// Pricing is USD cost per million tokens for one axis of a model's usage.
type Pricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheReadPerMTok  float64
	CacheWritePerMTok float64
}

// DefaultPricing mirrors published list pricing for the models the broker's
// providers commonly serve. Unknown models cost 0 rather than erroring —
// cost accounting is informational, not billing-critical.
var DefaultPricing = map[string]Pricing{
	"claude-opus-4-20250514":      {InputPerMTok: 15, OutputPerMTok: 75, CacheReadPerMTok: 1.5, CacheWritePerMTok: 18.75},
	"claude-sonnet-4-20250514":    {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75},
	"claude-3-5-haiku-20241022":   {InputPerMTok: 0.8, OutputPerMTok: 4, CacheReadPerMTok: 0.08, CacheWritePerMTok: 1},
	"claude-3-5-sonnet-20241022":  {InputPerMTok: 3, OutputPerMTok: 15, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75},
}

// Tokens is the token breakdown for one request, shared between streaming
// and non-streaming completion paths.
type Tokens struct {
	Input      int
	Output     int
	CacheRead  int
	CacheWrite int
}

func (t Tokens) Total() int {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite
}

// Recorder persists completed requests and computes their cost.
type Recorder struct {
	st      *store.Store
	pricing map[string]Pricing
}

func NewRecorder(st *store.Store, pricing map[string]Pricing) *Recorder {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Recorder{st: st, pricing: pricing}
}

// EstimateCost prices a token breakdown against the model's pricing row.
// Models absent from the table cost 0.
func (r *Recorder) EstimateCost(model string, t Tokens) float64 {
	p, ok := r.pricing[model]
	if !ok {
		return 0
	}
	const perMillion = 1_000_000.0
	return float64(t.Input)*p.InputPerMTok/perMillion +
		float64(t.Output)*p.OutputPerMTok/perMillion +
		float64(t.CacheRead)*p.CacheReadPerMTok/perMillion +
		float64(t.CacheWrite)*p.CacheWritePerMTok/perMillion
}

// Completion is what the dispatcher hands Record once a request (streaming
// or not) has fully finished.
type Completion struct {
	Method         string
	Path           string
	AccountID      string
	StatusCode     int
	Start          time.Time
	End            time.Time
	Error          string
	Model          string
	Tokens         Tokens
}

// TokensPerSecond reports generation throughput; 0 if the request produced
// no output tokens or had non-positive duration.
func (c Completion) TokensPerSecond() float64 {
	d := c.End.Sub(c.Start).Seconds()
	if d <= 0 || c.Tokens.Output == 0 {
		return 0
	}
	return float64(c.Tokens.Output) / d
}

// Record persists one completed request row.
func (r *Recorder) Record(c Completion) error {
	cost := r.EstimateCost(c.Model, c.Tokens)
	id := uuid.NewString()
	durationMs := c.End.Sub(c.Start).Milliseconds()
	total := c.Tokens.Total()

	var errCol any
	if c.Error != "" {
		errCol = c.Error
	}

	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO requests
			(id, timestamp, method, path, account_id, status_code, response_time_ms, error,
			 input_tokens, output_tokens, cache_read_input_tokens, cache_creation_input_tokens,
			 total_tokens, cost_usd, model)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, c.Start.UnixMilli(), c.Method, c.Path, c.AccountID, c.StatusCode, durationMs, errCol,
			c.Tokens.Input, c.Tokens.Output, c.Tokens.CacheRead, c.Tokens.CacheWrite,
			total, cost, c.Model,
		)
		return err
	})
}

// ClearHistory truncates the requests table (CLI `clear-history`). Account
// state itself (priority, pause, credentials) is untouched.
func (r *Recorder) ClearHistory() error {
	return r.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM requests`)
		return err
	})
}

// AccountSummary is one account's row in the CLI `analyze` report.
type AccountSummary struct {
	AccountID     string
	Requests      int64
	TotalTokens   int64
	CostUSD       float64
	AvgResponseMs float64
	ErrorCount    int64
}

// Analyze aggregates the requests table per account (CLI `analyze`).
func (r *Recorder) Analyze() ([]AccountSummary, error) {
	rows, err := r.st.DB().Query(`
		SELECT account_id,
		       COUNT(*),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(AVG(response_time_ms), 0),
		       SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END)
		FROM requests
		GROUP BY account_id
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var s AccountSummary
		if err := rows.Scan(&s.AccountID, &s.Requests, &s.TotalTokens, &s.CostUSD, &s.AvgResponseMs, &s.ErrorCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FromResponse extracts the final token breakdown and model from a
// provider.Response, reading the atomic Usage counters when the response
// streamed (they are only safe to read once the body has been fully drained
// by the client, which the dispatcher guarantees by the time it calls this).
func FromResponse(resp *provider.Response) (Tokens, string) {
	if !resp.IsStream {
		return Tokens{
			Input:      resp.InputTokens,
			Output:     resp.OutputTokens,
			CacheRead:  resp.CacheReadTokens,
			CacheWrite: resp.CacheWriteTokens,
		}, resp.Model
	}

	model, _ := resp.Usage.Model.Load().(string)
	return Tokens{
		Input:      int(resp.Usage.InputTokens.Load()),
		Output:     int(resp.Usage.OutputTokens.Load()),
		CacheRead:  int(resp.Usage.CacheReadTokens.Load()),
		CacheWrite: int(resp.Usage.CacheWriteTokens.Load()),
	}, model
}
