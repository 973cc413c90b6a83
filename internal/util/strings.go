package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. It is used to log
// a recognizable prefix of an identifier such as a client ID or auth_req_id.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so that issuer and endpoint URLs used
// as JWT audiences compare equal with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
