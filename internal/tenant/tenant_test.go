package tenant

import (
	"database/sql"
	"path/filepath"
	"testing"

	"codegate-broker/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertTenant(t *testing.T, st *store.Store, id, name, apiKey, configID string, rateLimit, enabled int) {
	t.Helper()
	err := st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO tenants (id, name, api_key_hash, config_id, rate_limit, enabled)
			VALUES (?, ?, ?, ?, ?, ?)`, id, name, hashKey(apiKey), nullable(configID), rateLimit, enabled)
		return err
	})
	if err != nil {
		t.Fatalf("insertTenant: %v", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func insertSetting(t *testing.T, st *store.Store, tenantID, key, value string) {
	t.Helper()
	err := st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO tenant_settings (tenant_id, key, value) VALUES (?, ?, ?)`, tenantID, key, value)
		return err
	})
	if err != nil {
		t.Fatalf("insertSetting: %v", err)
	}
}

func TestResolve_KnownAPIKey(t *testing.T) {
	st := openTestStore(t)
	insertTenant(t, st, "t1", "alice", "secret-key", "cfg-1", 100, 1)

	r := NewResolver(st)
	got := r.Resolve("secret-key")
	if got == nil {
		t.Fatal("expected tenant to resolve")
	}
	if got.Name != "alice" || got.ConfigID != "cfg-1" || got.RateLimit != 100 {
		t.Errorf("got = %+v", got)
	}
}

func TestResolve_UnknownAPIKeyReturnsNil(t *testing.T) {
	r := NewResolver(openTestStore(t))
	if got := r.Resolve("nonexistent"); got != nil {
		t.Errorf("expected nil for unknown key, got %+v", got)
	}
}

func TestResolve_DisabledTenantReturnsNil(t *testing.T) {
	st := openTestStore(t)
	insertTenant(t, st, "t1", "alice", "secret-key", "", 0, 0)

	r := NewResolver(st)
	if got := r.Resolve("secret-key"); got != nil {
		t.Errorf("expected nil for disabled tenant, got %+v", got)
	}
}

func TestResolve_CachesResult(t *testing.T) {
	st := openTestStore(t)
	insertTenant(t, st, "t1", "alice", "secret-key", "", 0, 1)

	r := NewResolver(st)
	first := r.Resolve("secret-key")
	if first == nil {
		t.Fatal("expected tenant on first resolve")
	}

	if err := st.WithWrite(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE tenants SET enabled = 0 WHERE id = 't1'`)
		return err
	}); err != nil {
		t.Fatalf("disable tenant: %v", err)
	}

	second := r.Resolve("secret-key")
	if second == nil {
		t.Error("expected cached tenant to still resolve despite underlying row changing")
	}
}

func TestResolve_LoadsSettings(t *testing.T) {
	st := openTestStore(t)
	insertTenant(t, st, "t1", "alice", "secret-key", "", 0, 1)
	insertSetting(t, st, "t1", "max_tokens_override", "4096")

	r := NewResolver(st)
	got := r.Resolve("secret-key")
	if got == nil {
		t.Fatal("expected tenant")
	}
	if got.Settings["max_tokens_override"] != "4096" {
		t.Errorf("Settings = %+v", got.Settings)
	}
}

func TestResolve_ClonesSoCallerMutationDoesNotLeak(t *testing.T) {
	st := openTestStore(t)
	insertTenant(t, st, "t1", "alice", "secret-key", "", 0, 1)
	insertSetting(t, st, "t1", "k", "v")

	r := NewResolver(st)
	first := r.Resolve("secret-key")
	first.Settings["k"] = "mutated"

	second := r.Resolve("secret-key")
	if second.Settings["k"] != "v" {
		t.Errorf("expected cache unaffected by caller mutation, got %q", second.Settings["k"])
	}
}

func TestGetSetting_PrefersTenantOverFallback(t *testing.T) {
	tn := &Tenant{Settings: map[string]string{"a": "1"}}
	if got := GetSetting(tn, "a", "default"); got != "1" {
		t.Errorf("GetSetting = %q, want 1", got)
	}
	if got := GetSetting(tn, "missing", "default"); got != "default" {
		t.Errorf("GetSetting = %q, want default", got)
	}
	if got := GetSetting(nil, "missing", "default"); got != "default" {
		t.Errorf("GetSetting(nil) = %q, want default", got)
	}
}

func TestGetSetting_EmptySettingsFallsBack(t *testing.T) {
	tn := &Tenant{Settings: map[string]string{}}
	if got := GetSetting(tn, "any_key", "fallback"); got != "fallback" {
		t.Errorf("GetSetting = %q, want fallback", got)
	}
}

func TestHasTenants(t *testing.T) {
	st := openTestStore(t)
	r := NewResolver(st)
	if r.HasTenants() {
		t.Error("expected HasTenants() == false for empty table")
	}

	insertTenant(t, st, "t1", "alice", "secret-key", "", 0, 1)

	r2 := NewResolver(st)
	if !r2.HasTenants() {
		t.Error("expected HasTenants() == true once a tenant row exists")
	}
}

func TestHashKey_IsStableAndDistinct(t *testing.T) {
	hash1 := hashKey("cgk_abc123")
	hash2 := hashKey("cgk_abc123")
	hash3 := hashKey("cgk_different")

	if hash1 != hash2 {
		t.Error("same input should produce same hash")
	}
	if hash1 == hash3 {
		t.Error("different inputs should produce different hashes")
	}
	if len(hash1) != 64 {
		t.Errorf("SHA256 hex should be 64 chars, got %d", len(hash1))
	}
}
