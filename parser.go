package main

import "strings"

// Helpers for interpreting raw ESL response bodies. API responses carry
// their outcome in the body text: success bodies begin with +OK, failures
// with -ERR.

func isOK(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "+OK")
}

func isERR(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "-ERR")
}

// parseOriginateUUID extracts the channel UUID from an originate response
// of the form "+OK <uuid>". Returns empty string when the body carries none.
func parseOriginateUUID(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "+OK") {
		return ""
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "+OK"))
	if rest == "" {
		return ""
	}
	// Only the first token; some responses append free text.
	return strings.Fields(rest)[0]
}

// parseBoolResult interprets uuid_exists style responses ("true"/"false").
func parseBoolResult(body string) bool {
	return strings.EqualFold(strings.TrimSpace(body), "true")
}

// normalizeHangupCause maps an event's Hangup-Cause header to the cause
// reported on lifecycle events.
func normalizeHangupCause(cause string) string {
	cause = strings.TrimSpace(cause)
	if cause == "" {
		return "NORMAL_CLEARING"
	}
	return strings.ToUpper(cause)
}
