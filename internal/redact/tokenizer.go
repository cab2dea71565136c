package redact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// tokenRe matches minted credential tokens, brackets included.
var tokenRe = regexp.MustCompile(`\[\[__CRED_\d+__\]\]`)

// Ingress tokenization shapes, in the order they are tried. The explicit
// [[...]] span runs first so that password=[[hunter2]] vaults just the inner
// text and the key=value rule then sees a token it must leave alone.
var (
	explicitSpanRe = regexp.MustCompile(`\[\[(.+?)\]\]`)
	keyValueRe     = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|auth[_-]?key)(\s*[=:]\s*)(\S+)`)
	urlUserinfoRe  = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://[^\s/:@]+:)([^@\s/]+)@`)
	authHeaderRe   = regexp.MustCompile(`(?i)(Authorization:\s*(?:Bearer|Token|Basic|Digest|ApiKey)\s+)(\S+)`)

	keyShapeRes = []*regexp.Regexp{
		regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bgh[psopu]_[A-Za-z0-9]{36,}\b`),
		regexp.MustCompile(`\bglpat-[A-Za-z0-9_\-]{20,}\b`),
		regexp.MustCompile(`\bxox[bpares]-[A-Za-z0-9\-]{10,}\b`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{20,}\b`),
		regexp.MustCompile(`\bnpm_[A-Za-z0-9]{36,}\b`),
	}
)

// Vault maps credential tokens to their real values for one session. It is
// volatile: never serialized, never shared across sessions. A secret vaulted
// twice yields the same token, which makes tokenization idempotent.
type Vault struct {
	mu       sync.Mutex
	counter  int
	byToken  map[string]string
	bySecret map[string]string
}

// NewVault creates an empty credential vault.
func NewVault() *Vault {
	return &Vault{
		byToken:  make(map[string]string),
		bySecret: make(map[string]string),
	}
}

// Put vaults a secret and returns its token, minting one on first sight.
func (v *Vault) Put(secret string) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if tok, ok := v.bySecret[secret]; ok {
		return tok
	}
	v.counter++
	tok := fmt.Sprintf("[[__CRED_%d__]]", v.counter)
	v.byToken[tok] = secret
	v.bySecret[secret] = tok
	return tok
}

// Resolve returns the secret behind a token.
func (v *Vault) Resolve(token string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.byToken[token]
	return secret, ok
}

// Len returns the number of vaulted secrets.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byToken)
}

// Secrets returns a copy of every vaulted secret. Used to verify that none
// of them leak into an outbound model request.
func (v *Vault) Secrets() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.bySecret))
	for s := range v.bySecret {
		out = append(out, s)
	}
	return out
}

// Tokenize replaces credentials in operator-typed text with vault tokens.
// Applied shapes: explicit [[...]] spans, credential key=value pairs, URL
// userinfo passwords, Authorization header values, and well-known key
// formats (JWT, AWS, GitHub, GitLab, Slack, OpenAI-style, npm). Running the
// result through Tokenize again is a no-op.
func (v *Vault) Tokenize(text string) string {
	text = explicitSpanRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := m[2 : len(m)-2]
		if isToken(m) {
			return m
		}
		return v.Put(inner)
	})

	text = keyValueRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := keyValueRe.FindStringSubmatch(m)
		if isToken(parts[3]) {
			return m
		}
		return parts[1] + parts[2] + v.Put(parts[3])
	})

	text = urlUserinfoRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := urlUserinfoRe.FindStringSubmatch(m)
		if isToken(parts[2]) {
			return m
		}
		return parts[1] + v.Put(parts[2]) + "@"
	})

	text = authHeaderRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := authHeaderRe.FindStringSubmatch(m)
		if isToken(parts[2]) {
			return m
		}
		return parts[1] + v.Put(parts[2])
	})

	for _, re := range keyShapeRes {
		text = re.ReplaceAllStringFunc(text, v.Put)
	}
	return text
}

// Scrub replaces any raw vaulted secret found in text with its token. It is
// the final pass over text bound for the model, catching secrets that
// survived tokenization by arriving through a side path such as echoed tool
// output.
func (v *Vault) Scrub(text string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	for secret, tok := range v.bySecret {
		if secret != "" {
			text = strings.ReplaceAll(text, secret, tok)
		}
	}
	return text
}

// Detokenize substitutes every token in text back to its real value.
// Unknown tokens are left as-is.
func (v *Vault) Detokenize(text string) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		if secret, ok := v.Resolve(tok); ok {
			return secret
		}
		return tok
	})
}

// DetokenizeValue recursively detokenizes every string reachable from val.
// This is applied to tool-call parameters immediately before a subprocess is
// launched; the model side of the pipe only ever sees tokens.
func (v *Vault) DetokenizeValue(val any) any {
	switch typed := val.(type) {
	case string:
		return v.Detokenize(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = v.DetokenizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = v.DetokenizeValue(item)
		}
		return out
	default:
		return val
	}
}

func isToken(s string) bool {
	m := tokenRe.FindString(s)
	return m == s
}
