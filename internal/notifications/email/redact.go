package email

import "strings"

// RedactEmail masks an address for logging: "k1abc@example.org" becomes
// "k***@example.org". Input without an "@" is masked entirely.
func RedactEmail(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
