package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/relaygate/mailbridge/internal/model"
	"github.com/relaygate/mailbridge/internal/relay"
	"github.com/relaygate/mailbridge/internal/util"
)

// VerifyWebhookSignature checks the Mailgun webhook HMAC:
// hex(HMAC-SHA256(signingKey, timestamp||token)) == signature.
func VerifyWebhookSignature(signingKey, timestamp, token, signature string) bool {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// mailgunWebhookHandler parses a Mailgun route-forward payload,
// verifies its signature, filters on the fixed recipient address, and
// hands the normalized record to the relay engine.
func mailgunWebhookHandler(eng *relay.Engine, signingKey, inboundAddress string) echo.HandlerFunc {
	recipient := util.CanonicalAddress(inboundAddress)
	return func(c echo.Context) error {
		timestamp := c.FormValue("timestamp")
		token := c.FormValue("token")
		signature := c.FormValue("signature")
		if signingKey != "" {
			if timestamp == "" || token == "" || signature == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing signature"})
			}
			if !VerifyWebhookSignature(signingKey, timestamp, token, signature) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			}
		}

		from := strings.TrimSpace(c.FormValue("sender"))
		to := strings.TrimSpace(c.FormValue("recipient"))
		if from == "" || to == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if recipient != "" && util.CanonicalAddress(to) != recipient {
			// Not our address: acknowledge and drop so the transport
			// stops retrying.
			return c.JSON(http.StatusOK, map[string]any{"accepted": false, "ignored": true})
		}

		receivedAt := time.Now().UTC()
		if ts, err := strconv.ParseInt(timestamp, 10, 64); err == nil && ts > 0 {
			receivedAt = time.Unix(ts, 0).UTC()
		}

		messageID := strings.Trim(strings.TrimSpace(c.FormValue("Message-Id")), "<>")

		email := model.InboundEmail{
			From:               from,
			To:                 to,
			Subject:            c.FormValue("subject"),
			Text:               c.FormValue("body-plain"),
			HTML:               c.FormValue("body-html"),
			MessageID:          messageID,
			TransportMessageID: messageID,
			ReceivedAt:         receivedAt,
		}

		duplicate, err := eng.AcceptInbound(c.Request().Context(), email)
		if err != nil {
			log.Errorf("accept inbound failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{"accepted": true, "duplicate": duplicate})
	}
}
