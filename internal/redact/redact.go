// Package redact keeps credentials out of anything that leaves the server
// toward the model: an egress redactor that masks credential-shaped patterns
// in tool output, and an ingress tokenizer that swaps operator-supplied
// secrets for opaque per-session tokens.
package redact

import "regexp"

// rule pairs a compiled pattern with its replacement. Replacements may use
// $1-style group references.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// Egress masking rules, applied in order. The key=value rule normalizes the
// separator to "=" exactly as the masked shape suggests.
var outputRules = []rule{
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+ PRIVATE KEY-----.*?-----END [A-Z ]+ PRIVATE KEY-----`), "[REDACTED-PRIVATE-KEY]"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key|auth[_-]?key)\s*[=:]\s*\S+`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`(?i)(Authorization:\s*(?:Bearer|Token|Basic|Digest|ApiKey)\s+)\S+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), "[REDACTED-JWT]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED-AWS-KEY]"},
	{regexp.MustCompile(`\bgh[psopu]_[A-Za-z0-9]{36,}\b`), "[REDACTED-GITHUB-TOKEN]"},
	{regexp.MustCompile(`\bglpat-[A-Za-z0-9_\-]{20,}\b`), "[REDACTED-GITLAB-TOKEN]"},
	{regexp.MustCompile(`\bxox[bpares]-[A-Za-z0-9\-]{10,}\b`), "[REDACTED-SLACK-TOKEN]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{20,}\b`), "[REDACTED-API-KEY]"},
	{regexp.MustCompile(`\bnpm_[A-Za-z0-9]{36,}\b`), "[REDACTED-NPM-TOKEN]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED-SSN]"},
}

// Output masks credential-shaped patterns in tool output before it is fed
// back to the model. Vault tokens pass through untouched: the text is split
// around token spans and only the segments between them are masked, so a
// token sitting in value position (password=[[__CRED_1__]]) survives.
//
// Inputs without any matching pattern are returned unchanged.
func Output(text string) string {
	spans := tokenRe.FindAllStringIndex(text, -1)
	if spans == nil {
		return maskSegment(text)
	}

	var out []byte
	prev := 0
	for _, span := range spans {
		out = append(out, maskSegment(text[prev:span[0]])...)
		out = append(out, text[span[0]:span[1]]...)
		prev = span[1]
	}
	out = append(out, maskSegment(text[prev:])...)
	return string(out)
}

func maskSegment(segment string) string {
	if segment == "" {
		return segment
	}
	for _, r := range outputRules {
		segment = r.re.ReplaceAllString(segment, r.repl)
	}
	return segment
}
