// Package webhook provides an HTTP endpoint through which external
// producers announce uploaded batch files.
//
// Verification (GET):
//
//	The producer sends mode, verify_token and challenge as query
//	parameters. The handler checks the token and echoes the challenge.
//
// Notification (POST):
//
//	The producer sends a trigger payload signed with X-Signature-256
//	("sha256=<hex HMAC-SHA256 of the body>"). Any payload shape the
//	partitioner accepts is allowed. Valid notifications are forwarded to the
//	partition function asynchronously and answered with 202.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/events"
)

// maxBodySize is the maximum accepted request body (1 MB).
const maxBodySize = 1 << 20

// SignatureHeader carries the body signature.
const SignatureHeader = "X-Signature-256"

// Forwarder hands a trigger on to the partitioner.
type Forwarder interface {
	Forward(ctx context.Context, t events.Trigger) error
}

// Handler handles verification and notifications.
type Handler struct {
	verifyToken string
	secret      string
	forward     Forwarder
}

// NewHandler creates a webhook handler. secret signs notification bodies.
func NewHandler(verifyToken, secret string, forward Forwarder) *Handler {
	return &Handler{verifyToken: verifyToken, secret: secret, forward: forward}
}

// ServeHTTP dispatches to verification (GET) or notification (POST).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r)
	case http.MethodPost:
		h.handleNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("mode"), q.Get("verify_token"), q.Get("challenge")

	if mode == "" || challenge == "" {
		http.Error(w, "missing required parameters", http.StatusBadRequest)
		return
	}
	if mode != "subscribe" {
		log.Warn().Str("mode", mode).Msg("Webhook verification unexpected mode")
		http.Error(w, "invalid mode", http.StatusBadRequest)
		return
	}
	if h.verifyToken == "" || !hmac.Equal([]byte(token), []byte(h.verifyToken)) {
		log.Warn().Msg("Webhook verification failed: invalid verify token")
		http.Error(w, "invalid verify token", http.StatusForbidden)
		return
	}

	log.Info().Msg("Webhook verification successful")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		log.Warn().Msg("Webhook notification missing signature")
		http.Error(w, "missing signature", http.StatusForbidden)
		return
	}
	if !VerifySignature(h.secret, body, signature) {
		log.Warn().Msg("Webhook notification has an invalid signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	triggers, err := events.NormalizeTriggers(body)
	if err != nil {
		log.Warn().Err(err).Int("bodySize", len(body)).Msg("Webhook notification not understood")
		http.Error(w, "unrecognized payload", http.StatusBadRequest)
		return
	}

	for _, t := range triggers {
		if err := h.forward.Forward(r.Context(), t); err != nil {
			log.Error().Err(err).Str("bucket", t.Bucket).Str("object", t.Object).Msg("Failed to forward trigger")
			http.Error(w, "failed to accept notification", http.StatusBadGateway)
			return
		}
	}
	log.Info().Int("triggers", len(triggers)).Msg("Webhook notification accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(triggers)})
}

// Sign returns the header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body in
// constant time. An empty secret never verifies.
func VerifySignature(secret string, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || hexSig == "" || secret == "" {
		return false
	}
	received, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

// LambdaForwarder invokes the partition function asynchronously with a
// flat {bucket, name} payload.
type LambdaForwarder struct {
	client   events.InvokeAPI
	function string
}

// NewLambdaForwarder targets function (name or ARN).
func NewLambdaForwarder(client events.InvokeAPI, function string) *LambdaForwarder {
	return &LambdaForwarder{client: client, function: function}
}

// Forward implements Forwarder.
func (f *LambdaForwarder) Forward(ctx context.Context, t events.Trigger) error {
	payload, err := json.Marshal(map[string]string{"bucket": t.Bucket, "name": t.Object, "eventType": t.EventType})
	if err != nil {
		return err
	}
	out, err := f.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(f.function),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", f.function, err)
	}
	if out.StatusCode != http.StatusAccepted {
		return fmt.Errorf("invoke %s: unexpected status %d", f.function, out.StatusCode)
	}
	return nil
}
