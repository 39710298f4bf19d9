package provider

import (
	"fmt"
	"testing"

	"github.com/tidwall/gjson"
	"pgregory.net/rapid"
)

// TestModelMapping_RoundTrip checks that whatever model a client sends, if
// it has a configured mapping, ApplyModelMapping followed by
// RewriteResponseModel (fed the captured original) always restores the
// client's original model name in the response body exactly.
func TestModelMapping_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clientModel := rapid.StringMatching(`[a-zA-Z0-9_.-]{1,24}`).Draw(rt, "clientModel")
		mappedModel := rapid.StringMatching(`[a-zA-Z0-9_.-]{1,24}`).Draw(rt, "mappedModel")

		body := []byte(fmt.Sprintf(`{"model":%q,"messages":[]}`, clientModel))
		mappings := map[string]string{clientModel: mappedModel}

		rewritten, original, err := ApplyModelMapping(body, mappings)
		if err != nil {
			rt.Fatalf("ApplyModelMapping: %v", err)
		}

		if clientModel == mappedModel {
			if original != "" {
				rt.Fatalf("expected no-op mapping to capture no original model, got %q", original)
			}
			return
		}
		if original != clientModel {
			rt.Fatalf("original = %q, want %q", original, clientModel)
		}

		respBody := []byte(fmt.Sprintf(`{"model":%q,"id":"msg_1"}`, gjson.GetBytes(rewritten, "model").String()))
		restored := RewriteResponseModel(respBody, original)

		if gjson.GetBytes(restored, "model").String() != clientModel {
			rt.Fatalf("restored model = %q, want %q", gjson.GetBytes(restored, "model").String(), clientModel)
		}
	})
}
