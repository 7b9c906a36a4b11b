package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/staylane/atrium/internal/config"
	paymentdomain "github.com/staylane/atrium/internal/payment/domain"
	"go.uber.org/zap"
)

// Verifier authenticates inbound deliveries with an HMAC-SHA256 over the raw
// request body.
type Verifier struct {
	secret []byte
	log    *zap.Logger
}

func NewVerifier(cfg config.Config, log *zap.Logger) *Verifier {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		// Allowed for local/staging; every unauthenticated delivery is a risk
		// the operator opted into.
		log.Warn("webhook signature verification disabled: no secret configured")
		return &Verifier{log: log.Named("payment.verifier")}
	}
	return &Verifier{
		secret: []byte(secret),
		log:    log.Named("payment.verifier"),
	}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks the signature header against the raw payload. Verification is
// skipped when no secret is configured.
func (v *Verifier) Verify(payload []byte, signature string) error {
	if !v.Enabled() {
		return nil
	}

	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}
