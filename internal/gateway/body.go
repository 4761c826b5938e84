package gateway

import (
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var errBodyTooLarge = errors.New("gateway: response body exceeds limit")

const maxDetailLen = 300

// readAllWithLimit reads at most limit bytes and reports whether the body was
// longer.
func readAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return data, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// readAllStrict reads the body and fails when it exceeds limit.
func readAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := readAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// errorDetail pulls the backend's own explanation out of an error body.
func errorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, r := range gjson.GetManyBytes(body, "message", "error", "detail", "errors.0.message") {
			if r.Type == gjson.String && r.Str != "" {
				return clip(r.Str)
			}
		}
	}
	return clip(strings.TrimSpace(string(body)))
}

func clip(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	cut := maxDetailLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
