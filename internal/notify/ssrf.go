package notify

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Outbound destinations are operator-supplied, so every channel validates
// its target before the first request ever leaves the process.

var telegramTokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,50}$`)

// ValidateTeamsURL requires an HTTPS Office webhook host
func ValidateTeamsURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "teams webhook url")
	}
	if u.Scheme != "https" {
		return errors.New("teams webhook url must use https")
	}
	if !strings.HasSuffix(u.Hostname(), ".webhook.office.com") {
		return errors.New("teams webhook url must end in .webhook.office.com")
	}
	return nil
}

// ValidateDiscordURL requires the discord webhook API path
func ValidateDiscordURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "discord webhook url")
	}
	if u.Scheme != "https" {
		return errors.New("discord webhook url must use https")
	}
	host := u.Hostname()
	if host != "discord.com" && host != "discordapp.com" {
		return errors.New("discord webhook host must be discord.com or discordapp.com")
	}
	if !strings.HasPrefix(u.Path, "/api/webhooks/") {
		return errors.New("discord webhook path must start with /api/webhooks/")
	}
	return nil
}

// ValidateTelegramToken checks the bot token shape
func ValidateTelegramToken(token string) error {
	if !telegramTokenRe.MatchString(token) {
		return errors.New("telegram bot token has invalid format")
	}
	return nil
}

// ValidateSMTPHost refuses hosts that resolve to loopback, link-local, or
// private ranges. The SMTP host comes from static config only; DB settings
// cannot override it.
func ValidateSMTPHost(host string) error {
	if host == "" {
		return errors.New("smtp host not configured")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") {
		return errors.Errorf("smtp host %q is not routable", host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return errors.Wrapf(err, "resolve smtp host %q", host)
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return errors.Errorf("smtp host %q resolves to forbidden address %s", host, ip)
		}
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}
