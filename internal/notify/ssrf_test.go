package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTeamsURL(t *testing.T) {
	assert.NoError(t, ValidateTeamsURL("https://contoso.webhook.office.com/webhookb2/abc"))

	assert.Error(t, ValidateTeamsURL("http://contoso.webhook.office.com/webhookb2/abc"), "plain http")
	assert.Error(t, ValidateTeamsURL("https://evil.example.com/webhookb2/abc"), "wrong host")
	assert.Error(t, ValidateTeamsURL("https://webhook.office.com.evil.example.com/x"), "suffix spoof")
	assert.Error(t, ValidateTeamsURL("://not-a-url"))
}

func TestValidateDiscordURL(t *testing.T) {
	assert.NoError(t, ValidateDiscordURL("https://discord.com/api/webhooks/123/token"))
	assert.NoError(t, ValidateDiscordURL("https://discordapp.com/api/webhooks/123/token"))

	assert.Error(t, ValidateDiscordURL("https://discord.com/api/other/123"), "wrong path")
	assert.Error(t, ValidateDiscordURL("https://sub.discord.com/api/webhooks/123/token"), "subdomain")
	assert.Error(t, ValidateDiscordURL("http://discord.com/api/webhooks/123/token"), "plain http")
}

func TestValidateTelegramToken(t *testing.T) {
	assert.NoError(t, ValidateTelegramToken("123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"))

	assert.Error(t, ValidateTelegramToken(""), "empty")
	assert.Error(t, ValidateTelegramToken("no-colon"), "missing id")
	assert.Error(t, ValidateTelegramToken("123:short"), "secret too short")
	assert.Error(t, ValidateTelegramToken("abc:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"), "non-numeric id")
}

func TestValidateSMTPHost(t *testing.T) {
	assert.Error(t, ValidateSMTPHost(""), "empty host")
	assert.Error(t, ValidateSMTPHost("localhost"))
	assert.Error(t, ValidateSMTPHost("LOCALHOST"), "case insensitive")
	assert.Error(t, ValidateSMTPHost("printer.local"))
	// Literal addresses resolve to themselves.
	assert.Error(t, ValidateSMTPHost("127.0.0.1"), "loopback")
	assert.Error(t, ValidateSMTPHost("10.1.2.3"), "rfc1918")
	assert.Error(t, ValidateSMTPHost("172.16.0.1"), "rfc1918")
	assert.Error(t, ValidateSMTPHost("192.168.1.1"), "rfc1918")
	assert.Error(t, ValidateSMTPHost("169.254.1.1"), "link local")
	assert.Error(t, ValidateSMTPHost("::1"), "v6 loopback")
}
