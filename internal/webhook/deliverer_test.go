package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

func TestSign(t *testing.T) {
	body := []byte(`{"type":"insight.created"}`)
	got := Sign("topsecret", body)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), got)

	// Receivers verify by recomputing, so the signature must be stable and
	// secret-dependent.
	assert.Equal(t, got, Sign("topsecret", body))
	assert.NotEqual(t, got, Sign("othersecret", body))
	assert.NotEqual(t, got, Sign("topsecret", []byte(`{"type":"insight.created"} `)))
}

func TestSubscribed(t *testing.T) {
	d := NewDeliverer(nil, observability.NewNoopLogger())

	hook := func(types ...string) models.Webhook {
		return models.Webhook{EventTypes: types}
	}

	tests := []struct {
		name      string
		hook      models.Webhook
		eventType string
		want      bool
	}{
		{"empty subscription receives everything", hook(), "insight.created", true},
		{"exact match", hook("insight.created"), "insight.created", true},
		{"exact mismatch", hook("insight.created"), "anomaly.detected", false},
		{"wildcard", hook("*"), "anomaly.detected", true},
		{"family pattern matches", hook("remediation.*"), "remediation.approved", true},
		{"family pattern rejects others", hook("remediation.*"), "insight.created", false},
		{"any pattern in the list suffices", hook("cycle.complete", "anomaly.*"), "anomaly.detected", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.subscribed(tt.hook, tt.eventType))
		})
	}
}
