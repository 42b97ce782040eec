package security

import (
	"bytes"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

const maxSanitizedBody = 1 << 20

var (
	scriptElement = regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?(?:<\s*/\s*script\s*>|$)`)
	scriptClose   = regexp.MustCompile(`(?i)<\s*/\s*script\s*>`)
	handlerTag    = regexp.MustCompile(`(?i)<[a-z][^<>]*\bon[a-z]+\s*=[^<>]*>?`)
	javascriptURI = regexp.MustCompile(`(?i)javascript\s*:`)
	inlineHandler = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// deniedKeys are object keys used for prototype pollution. They are dropped,
// not sanitized.
var deniedKeys = map[string]struct{}{
	"__proto__":        {},
	"constructor":      {},
	"prototype":        {},
	"__defineGetter__": {},
	"__defineSetter__": {},
	"__lookupGetter__": {},
	"__lookupSetter__": {},
}

// credentialKeys hold secrets that are compared or hashed verbatim and are
// never rewritten.
var credentialKeys = map[string]struct{}{
	"password":         {},
	"current_password": {},
	"currentpassword":  {},
	"new_password":     {},
	"newpassword":      {},
}

// Sanitizer strips script content from request input. Only matched spans
// are removed; everything else comes back byte-identical.
type Sanitizer struct {
	policy *bluemonday.Policy
	logger *slog.Logger
}

// NewSanitizer builds a Sanitizer. Matched script and handler-carrying tags
// are run through bluemonday's strict policy, which drops the markup and
// the content of script elements.
func NewSanitizer(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{policy: bluemonday.StrictPolicy(), logger: logger}
}

// String sanitizes one value. When the raw value is clean, compatibility
// forms such as fullwidth brackets are folded and checked again so they
// cannot slip past; the folded text is only returned if it had to change.
func (s *Sanitizer) String(v string) string {
	if out, changed := s.strip(v); changed {
		return out
	}
	folded := norm.NFKC.String(v)
	if folded == v {
		return v
	}
	if out, changed := s.strip(folded); changed {
		return out
	}
	return v
}

func (s *Sanitizer) strip(v string) (string, bool) {
	out := scriptElement.ReplaceAllStringFunc(v, s.markup)
	out = scriptClose.ReplaceAllString(out, "")
	out = handlerTag.ReplaceAllStringFunc(out, s.markup)
	out = javascriptURI.ReplaceAllString(out, "")
	out = inlineHandler.ReplaceAllString(out, "")
	if out == v {
		return v, false
	}
	return strings.TrimSpace(out), true
}

// markup reduces one matched tag span to its safe text.
func (s *Sanitizer) markup(span string) string {
	return html.UnescapeString(s.policy.Sanitize(span))
}

// Value sanitizes a decoded JSON value recursively.
func (s *Sanitizer) Value(v any) any {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if DeniedKey(k) {
				continue
			}
			if secret, ok := val.(string); ok && credentialKey(k) {
				out[k] = secret
				continue
			}
			out[k] = s.Value(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = s.Value(t[i])
		}
		return t
	default:
		return v
	}
}

// DeniedKey reports whether key is a prototype-pollution vector.
func DeniedKey(key string) bool {
	_, ok := deniedKeys[key]
	return ok
}

func credentialKey(key string) bool {
	_, ok := credentialKeys[strings.ToLower(key)]
	return ok
}

// Middleware sanitizes JSON bodies and query values before routing.
func (s *Sanitizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			s.sanitizeQuery(r)
		}
		if r.Body != nil && r.Body != http.NoBody && isJSON(r.Header.Get("Content-Type")) {
			if err := s.sanitizeBody(r); err != nil {
				s.logger.Debug("leaving unparseable body to the handler", slog.Any("error", err))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Params sanitizes chi URL parameters. chi resolves parameters during
// routing, so this must run as route-level middleware (r.With).
func (s *Sanitizer) Params(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			for i, v := range rctx.URLParams.Values {
				rctx.URLParams.Values[i] = s.String(v)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Sanitizer) sanitizeQuery(r *http.Request) {
	query := r.URL.Query()
	for key, values := range query {
		if DeniedKey(key) {
			query.Del(key)
			continue
		}
		for i, v := range values {
			values[i] = s.String(v)
		}
	}
	r.URL.RawQuery = query.Encode()
}

func (s *Sanitizer) sanitizeBody(r *http.Request) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSanitizedBody+1))
	_ = r.Body.Close()
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		return err
	}
	restore := func(body []byte) {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}
	if len(raw) > maxSanitizedBody {
		restore(raw)
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		restore(raw)
		return err
	}
	var clean bytes.Buffer
	enc := json.NewEncoder(&clean)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s.Value(payload)); err != nil {
		restore(raw)
		return err
	}
	restore(bytes.TrimSuffix(clean.Bytes(), []byte("\n")))
	return nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
