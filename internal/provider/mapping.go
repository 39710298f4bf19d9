package provider

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ApplyModelMapping rewrites the top-level "model" field of a request body
// according to the account's configured model_mappings. It returns the
// possibly-rewritten body and the client's original model name, which the
// dispatcher threads through so the response can be rewritten back to what
// the client asked for.
func ApplyModelMapping(body []byte, mappings map[string]string) (out []byte, originalModel string, err error) {
	if len(mappings) == 0 {
		return body, "", nil
	}

	res := gjson.GetBytes(body, "model")
	if !res.Exists() {
		return body, "", nil
	}
	originalModel = res.String()

	mapped, ok := mappings[originalModel]
	if !ok || mapped == originalModel {
		return body, "", nil
	}

	out, err = sjson.SetBytes(body, "model", mapped)
	if err != nil {
		return body, "", err
	}
	return out, originalModel, nil
}

// ClampMaxTokens rewrites the request body's top-level "max_tokens" field
// down to whatever clamp returns for the body's model, if clamp lowers it.
// clamp is expected to be a no-op pass-through for models it has no
// configured ceiling for.
func ClampMaxTokens(body []byte, clamp func(model string, requested int) int) []byte {
	maxTokens := gjson.GetBytes(body, "max_tokens")
	if !maxTokens.Exists() {
		return body
	}
	model := gjson.GetBytes(body, "model").String()

	requested := int(maxTokens.Int())
	clamped := clamp(model, requested)
	if clamped == requested {
		return body
	}

	out, err := sjson.SetBytes(body, "max_tokens", clamped)
	if err != nil {
		return body
	}
	return out
}

// RewriteResponseModel sets the top-level "model" field of a non-streaming
// JSON response body back to originalModel.
func RewriteResponseModel(body []byte, originalModel string) []byte {
	if originalModel == "" {
		return body
	}
	out, err := sjson.SetBytes(body, "model", originalModel)
	if err != nil {
		return body
	}
	return out
}

// RewriteStreamModel wraps an SSE body so that any "model" field appearing
// in a data: line (message_start's message.model, or an OpenAI-compatible
// chunk's top-level model) reads back as originalModel rather than the
// account's mapped model id.
func RewriteStreamModel(body io.ReadCloser, originalModel string) io.ReadCloser {
	if originalModel == "" {
		return body
	}

	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		defer pw.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 256*1024), 256*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if _, err := io.WriteString(pw, rewriteSSELine(line, originalModel)+"\n"); err != nil {
				return
			}
		}
	}()
	return pr
}

func rewriteSSELine(line, originalModel string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "data: ") {
		return line
	}
	payload := trimmed[6:]
	if payload == "[DONE]" {
		return line
	}

	if gjson.Get(payload, "message.model").Exists() {
		rewritten, err := sjson.Set(payload, "message.model", originalModel)
		if err == nil {
			return "data: " + rewritten
		}
	} else if gjson.Get(payload, "model").Exists() {
		rewritten, err := sjson.Set(payload, "model", originalModel)
		if err == nil {
			return "data: " + rewritten
		}
	}
	return line
}
