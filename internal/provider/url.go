package provider

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// buildURL resolves path against base (falling back to defaultBase): keep
// scheme+host+basePath from base, append path verbatim.
func buildURL(base, defaultBase, path string) string {
	b := defaultBase
	if base != "" {
		b = base
	}

	parsed, err := url.Parse(b)
	if err != nil {
		return defaultBase + path
	}

	basePath := strings.TrimRight(parsed.Path, "/")
	return fmt.Sprintf("%s://%s%s%s", parsed.Scheme, parsed.Host, basePath, path)
}

var versionPathRe = regexp.MustCompile(`/v\d+$`)

// buildCompatibleURL handles OpenAI-compatible quirks: Gemini's
// /v1beta/openai mount point, and bases that already end in a version
// segment (so the client's own /v1/... must be collapsed rather than
// doubled).
func buildCompatibleURL(base, path string) string {
	base = strings.TrimRight(base, "/")

	if strings.Contains(base, "generativelanguage.googleapis.com") {
		geminiPath := strings.Replace(path, "/v1/", "/", 1)
		return base + "/v1beta/openai" + geminiPath
	}

	adjusted := path
	if versionPathRe.MatchString(base) {
		adjusted = strings.Replace(path, "/v1/", "/", 1)
	}

	return base + adjusted
}

func splitBeta(beta string) []string {
	if beta == "" {
		return nil
	}
	parts := strings.Split(beta, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func containsBeta(parts []string, target string) bool {
	for _, p := range parts {
		if p == target {
			return true
		}
	}
	return false
}
