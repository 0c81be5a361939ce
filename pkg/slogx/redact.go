package slogx

import "log/slog"

// tokenSuffixLen is how much of a bearer credential may appear in logs.
const tokenSuffixLen = 7

// RedactToken masks all but the last few characters of a credential.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= tokenSuffixLen {
		return "***"
	}
	return "***" + token[len(token)-tokenSuffixLen:]
}

// Token returns a "token" attribute holding the redacted credential.
func Token(token string) slog.Attr {
	return slog.String("token", RedactToken(token))
}
