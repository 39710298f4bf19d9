// Package limits tracks per-model capability overrides — chiefly a
// max_output_tokens ceiling — and clamps outbound requests to them, backed
// by the shared SQLite file with an in-process cache.
package limits

import (
	"database/sql"
	"strings"
	"sync"

	"codegate-broker/internal/store"
)

// ModelLimits holds per-model capability overrides.
type ModelLimits struct {
	MaxOutputTokens     *int
	SupportsToolCalling *bool
	SupportsReasoning   *bool
}

// Table is an in-memory cache of model_limits, refreshed from the store on
// Reload and whenever Set/Delete mutate a row.
type Table struct {
	st *store.Store

	mu    sync.RWMutex
	cache map[string]ModelLimits
}

func NewTable(st *store.Store) *Table {
	t := &Table{st: st, cache: make(map[string]ModelLimits)}
	t.Reload()
	return t
}

// Reload repopulates the cache from the model_limits table. Failures leave
// the previous cache in place.
func (t *Table) Reload() {
	rows, err := t.st.DB().Query(`SELECT model_id, max_output_tokens, supports_tool_calling, supports_reasoning FROM model_limits`)
	if err != nil {
		return
	}
	defer rows.Close()

	next := make(map[string]ModelLimits)
	for rows.Next() {
		var modelID string
		var maxOut, toolCalling, reasoning sql.NullInt64

		if err := rows.Scan(&modelID, &maxOut, &toolCalling, &reasoning); err != nil {
			continue
		}

		var ml ModelLimits
		if maxOut.Valid {
			v := int(maxOut.Int64)
			ml.MaxOutputTokens = &v
		}
		if toolCalling.Valid {
			v := toolCalling.Int64 == 1
			ml.SupportsToolCalling = &v
		}
		if reasoning.Valid {
			v := reasoning.Int64 == 1
			ml.SupportsReasoning = &v
		}
		next[modelID] = ml
	}

	t.mu.Lock()
	t.cache = next
	t.mu.Unlock()
}

// Get returns the limits for modelID, falling back to a prefix match
// against configured entries (so "claude-opus" covers every dated
// "claude-opus-4-..." release without a row per date).
func (t *Table) Get(modelID string) *ModelLimits {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ml, ok := t.cache[modelID]; ok {
		return &ml
	}
	for key, ml := range t.cache {
		if strings.HasPrefix(modelID, key) || strings.HasPrefix(key, modelID) {
			mlCopy := ml
			return &mlCopy
		}
	}
	return nil
}

// ClampMaxTokens clamps value to the model's configured max_output_tokens,
// if any. A nil value (client didn't set max_tokens) passes through
// unchanged.
func (t *Table) ClampMaxTokens(value *int, modelID string) *int {
	if value == nil {
		return nil
	}
	ml := t.Get(modelID)
	if ml == nil || ml.MaxOutputTokens == nil {
		return value
	}
	if *value > *ml.MaxOutputTokens {
		clamped := *ml.MaxOutputTokens
		return &clamped
	}
	return value
}

// Set upserts a model's limits and reloads the cache.
func (t *Table) Set(modelID string, maxOut *int, toolCalling, reasoning *bool) error {
	var maxOutVal, tcVal, rVal any
	if maxOut != nil {
		maxOutVal = *maxOut
	}
	if toolCalling != nil {
		tcVal = boolToInt(*toolCalling)
	}
	if reasoning != nil {
		rVal = boolToInt(*reasoning)
	}

	err := t.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO model_limits (model_id, max_output_tokens, supports_tool_calling, supports_reasoning)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(model_id) DO UPDATE SET
				max_output_tokens = excluded.max_output_tokens,
				supports_tool_calling = excluded.supports_tool_calling,
				supports_reasoning = excluded.supports_reasoning`,
			modelID, maxOutVal, tcVal, rVal)
		return err
	})
	if err != nil {
		return err
	}
	t.Reload()
	return nil
}

// Delete removes a model's limits and reloads the cache.
func (t *Table) Delete(modelID string) error {
	err := t.st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM model_limits WHERE model_id = ?`, modelID)
		return err
	})
	if err != nil {
		return err
	}
	t.Reload()
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
