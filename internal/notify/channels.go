package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/models"
)

// Notification is one alert to deliver across the enabled channels
type Notification struct {
	EventType     string
	Title         string
	Body          string
	Severity      models.Severity
	ContainerID   string
	ContainerName string
	EndpointID    int
}

// Channel delivers a notification on one transport
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

var channelHTTPClient = &http.Client{Timeout: 10 * time.Second}

// TeamsChannel posts MessageCards to an Office webhook
type TeamsChannel struct {
	webhookURL string
}

// NewTeamsChannel validates the webhook URL and builds the channel
func NewTeamsChannel(cfg config.ChannelConfig) (*TeamsChannel, error) {
	if err := ValidateTeamsURL(cfg.WebhookURL); err != nil {
		return nil, err
	}
	return &TeamsChannel{webhookURL: cfg.WebhookURL}, nil
}

func (c *TeamsChannel) Name() string { return "teams" }

func (c *TeamsChannel) Send(ctx context.Context, n Notification) error {
	card := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(n.Severity),
		"summary":    n.Title,
		"title":      n.Title,
		"text":       n.Body,
	}
	return postJSON(ctx, c.webhookURL, card)
}

// DiscordChannel posts embeds to a discord webhook
type DiscordChannel struct {
	webhookURL string
}

// NewDiscordChannel validates the webhook URL and builds the channel
func NewDiscordChannel(cfg config.ChannelConfig) (*DiscordChannel, error) {
	if err := ValidateDiscordURL(cfg.WebhookURL); err != nil {
		return nil, err
	}
	return &DiscordChannel{webhookURL: cfg.WebhookURL}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       n.Title,
			"description": n.Body,
			"color":       severityColorInt(n.Severity),
		}},
	}
	return postJSON(ctx, c.webhookURL, payload)
}

// TelegramChannel sends messages through the bot API
type TelegramChannel struct {
	botToken string
	chatID   string
}

// NewTelegramChannel validates the bot token and builds the channel
func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	if err := ValidateTelegramToken(cfg.BotToken); err != nil {
		return nil, err
	}
	if cfg.ChatID == "" {
		return nil, errors.New("telegram chat id not configured")
	}
	return &TelegramChannel{botToken: cfg.BotToken, chatID: cfg.ChatID}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, n Notification) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	payload := map[string]interface{}{
		"chat_id": c.chatID,
		"text":    fmt.Sprintf("[%s] %s\n%s", strings.ToUpper(string(n.Severity)), n.Title, n.Body),
	}
	return postJSON(ctx, endpoint, payload)
}

// EmailChannel delivers over SMTP. The host comes from static config; DB
// settings cannot override it.
type EmailChannel struct {
	cfg config.SMTPConfig
}

// NewEmailChannel validates the SMTP host resolution and builds the channel
func NewEmailChannel(cfg config.SMTPConfig) (*EmailChannel, error) {
	if err := ValidateSMTPHost(cfg.Host); err != nil {
		return nil, err
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email recipients not configured")
	}
	return &EmailChannel{cfg: cfg}, nil
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	// Re-validate at send time: DNS can change between startup and delivery.
	if err := ValidateSMTPHost(c.cfg.Host); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n",
		c.cfg.From, strings.Join(c.cfg.To, ", "), strings.ToUpper(string(n.Severity)), n.Title, n.Body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, c.cfg.From, c.cfg.To, []byte(msg))
	}()
	select {
	case err := <-done:
		return errors.Wrap(err, "send mail")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func postJSON(ctx context.Context, endpoint string, payload interface{}) error {
	if _, err := url.Parse(endpoint); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := channelHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return errors.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "d63333"
	case models.SeverityWarning:
		return "e8a33d"
	default:
		return "3d7fe8"
	}
}

func severityColorInt(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 0xd63333
	case models.SeverityWarning:
		return 0xe8a33d
	default:
		return 0x3d7fe8
	}
}
