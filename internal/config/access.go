package config

import "strings"

// AllowedRecipientDomains returns the lower-cased domains from
// SHEETMAIL_ALLOW_DOMAINS. Nil means every domain is allowed.
func AllowedRecipientDomains() []string {
	var domains []string
	for _, part := range List("SHEETMAIL_ALLOW_DOMAINS") {
		domains = append(domains, strings.ToLower(strings.TrimPrefix(part, "@")))
	}
	return domains
}
