package config

import "strings"

// RedactedValue replaces sensitive setting values on every read path.
const RedactedValue = "••••••••"

var sensitiveSuffixes = []string{
	"_password",
	"_secret",
	"_token",
	"_api_key",
	"_webhook_url",
}

// Keys that do not match a suffix but must still be redacted.
var sensitiveAllowList = map[string]struct{}{
	"smtp_password":      {},
	"telegram_bot_token": {},
	"inventory_api_key":  {},
	"admin_token":        {},
	"webhook_secret":     {},
}

// IsSensitiveKey reports whether a settings key must never be returned
// or logged in clear text.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveAllowList[k]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}
