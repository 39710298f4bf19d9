package account

import (
	"strconv"
	"testing"

	"pgregory.net/rapid"
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

// TestInsert_PriorityBoundsInvariant checks that Insert accepts every
// priority in [0,100] and rejects every priority outside it, regardless of
// what else varies about the input.
func TestInsert_PriorityBoundsInvariant(t *testing.T) {
	repo := NewRepository(openTestStore(t), nil)
	seq := 0

	rapid.Check(t, func(rt *rapid.T) {
		priority := rapid.IntRange(-1000, 1000).Draw(rt, "priority")
		seq++
		name := rapid.StringMatching(`[a-z0-9]{4,12}`).Draw(rt, "name") + "-" + itoa(seq)

		_, err := repo.Insert(NewAccountInput{
			Name: name, Provider: "anthropic", Priority: priority, APIKey: "key",
		})

		inBounds := priority >= 0 && priority <= 100
		if inBounds && err != nil {
			rt.Fatalf("expected priority %d in [0,100] to be accepted, got error: %v", priority, err)
		}
		if !inBounds && err == nil {
			rt.Fatalf("expected priority %d outside [0,100] to be rejected", priority)
		}
	})
}

// TestInsert_ExclusiveCredentialShapeInvariant checks that Insert accepts
// an account iff exactly one of api_key/refresh_token is non-empty.
func TestInsert_ExclusiveCredentialShapeInvariant(t *testing.T) {
	repo := NewRepository(openTestStore(t), nil)
	seq := 0

	rapid.Check(t, func(rt *rapid.T) {
		hasAPIKey := rapid.Bool().Draw(rt, "hasAPIKey")
		hasRefreshToken := rapid.Bool().Draw(rt, "hasRefreshToken")
		seq++
		name := rapid.StringMatching(`[a-z0-9]{4,12}`).Draw(rt, "name") + "-" + itoa(seq)

		in := NewAccountInput{Name: name, Provider: "anthropic", Priority: 10}
		if hasAPIKey {
			in.APIKey = "key-" + name
		}
		if hasRefreshToken {
			in.RefreshToken = "rtok-" + name
		}

		a, err := repo.Insert(in)

		exclusive := hasAPIKey != hasRefreshToken
		if exclusive && err != nil {
			rt.Fatalf("expected exactly-one credential shape to be accepted, got error: %v", err)
		}
		if !exclusive && err == nil {
			rt.Fatalf("expected non-exclusive credential shape (api=%v, refresh=%v) to be rejected, got account %+v", hasAPIKey, hasRefreshToken, a)
		}
	})
}
