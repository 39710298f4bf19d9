package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// KiloUsage is the subset of Kilo's own account balance/usage endpoint the
// broker surfaces through the CLI (supplemented feature: Kilo is a prepaid
// credit provider, and operators want to see remaining balance without
// leaving the broker's tooling).
type KiloUsage struct {
	BalanceUSD float64 `json:"balance_usd"`
	SpentUSD   float64 `json:"spent_usd"`
}

// FetchKiloUsage queries Kilo's usage endpoint for the given API key. It is
// invoked on demand by the CLI's analyze command, never on the request hot
// path.
func FetchKiloUsage(apiKey string) (*KiloUsage, error) {
	req, err := http.NewRequest(http.MethodGet, kiloDefaultURL+"/api/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("build kilo usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch kilo usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kilo usage endpoint returned %d", resp.StatusCode)
	}

	var out KiloUsage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode kilo usage: %w", err)
	}
	return &out, nil
}
