package provider

import (
	"strconv"
	"time"
)

// parseRetryAfterMs reads a Retry-After header (seconds, per RFC 9110) or an
// anthropic-ratelimit-unified-reset / x-ratelimit-reset-requests epoch-seconds
// header, whichever is present, and returns an absolute epoch-ms reset time.
// Falls back to a 60s cooldown when the response carries none of these.
func parseRetryAfterMs(headers map[string]string) int64 {
	now := time.Now()

	if v := headers["retry-after"]; v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return now.Add(time.Duration(secs) * time.Second).UnixMilli()
		}
	}
	for _, h := range []string{"anthropic-ratelimit-unified-reset", "x-ratelimit-reset-requests"} {
		if v := headers[h]; v != "" {
			if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
				return epoch * 1000
			}
		}
	}
	return now.Add(60 * time.Second).UnixMilli()
}
