package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/http/httpguts"

	"cronhub/internal/storage"
)

const defaultContentType = "application/json"

// buildRequest assembles the outbound request for job. notes collects
// configuration problems that were tolerated; err is set only when no
// usable request could be built at all.
func buildRequest(ctx context.Context, job storage.Job, userAgent string) (req *http.Request, notes []*ConfigurationError, err error) {
	method := strings.ToUpper(strings.TrimSpace(job.Method))
	if method == "" {
		method = http.MethodGet
	}

	u, perr := url.Parse(strings.TrimSpace(job.URL))
	if perr != nil {
		return nil, nil, &ConfigurationError{Field: "url", Err: perr}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, &ConfigurationError{Field: "url", Err: errors.Newf("unsupported scheme %q", u.Scheme)}
	}

	headers, herr := parseHeaders(job.Headers)
	if herr != nil {
		notes = append(notes, &ConfigurationError{Field: "headers", Err: herr})
	}

	var body io.Reader
	if method != http.MethodGet && job.Body != "" {
		body = strings.NewReader(job.Body)
	}

	req, err = http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, notes, &ConfigurationError{Field: "request", Err: err}
	}

	req.Header.Set("Content-Type", defaultContentType)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	// Job headers win on collision. Sorted so the notes are stable.
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !ValidHeaderName(k) {
			notes = append(notes, &ConfigurationError{Field: "headers", Err: errors.Newf("invalid header name %q", k)})
			continue
		}
		v := headers[k]
		if !ValidHeaderValue(v) {
			notes = append(notes, &ConfigurationError{Field: "headers", Err: errors.Newf("header %q value contains control characters", k)})
			continue
		}
		req.Header.Set(k, v)
	}

	if body != nil && strings.Contains(strings.ToLower(req.Header.Get("Content-Type")), "json") && !json.Valid([]byte(job.Body)) {
		notes = append(notes, &ConfigurationError{Field: "body", Err: errors.New("body is not valid JSON; sent as literal text")})
	}
	return req, notes, nil
}

// parseHeaders decodes a JSON object of header values. Non-string values
// are rendered as their JSON text.
func parseHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrap(err, "headers are not a valid JSON object")
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = x
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(x)
			if err != nil {
				out[k] = fmt.Sprint(x)
				continue
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// EncodeHeaders renders a header map in the stored JSON form.
func EncodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseHeaders is the exported form of the stored header decoder.
func ParseHeaders(raw string) (map[string]string, error) { return parseHeaders(raw) }

// ValidHeaderName reports whether k is an RFC 7230 token.
func ValidHeaderName(k string) bool { return httpguts.ValidHeaderFieldName(k) }

// ValidHeaderValue reports whether v can be sent as a header value.
func ValidHeaderValue(v string) bool { return httpguts.ValidHeaderFieldValue(v) }
