package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storefront-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrGatewayConfig means credentials are missing or were refused
	ErrGatewayConfig = errors.New("payment gateway not configured")
	// ErrInvalidAmount means the intent amount was not positive
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrGatewayUnavailable covers network failures and 5xx responses
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected covers 4xx responses other than auth failures
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	// ErrInvalidSignature is returned for any proof that does not verify
	ErrInvalidSignature = errors.New("invalid payment signature")
)

const (
	// Name is stored on orders paid through this gateway
	Name = "razorpay"

	maxErrorBody = 4 << 10
)

// Intent is a gateway-side payment order the client completes
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// Razorpay talks to the Razorpay Orders API
type Razorpay struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRazorpay creates a new Razorpay adapter
func NewRazorpay(keyID, keySecret, baseURL string, timeout time.Duration) *Razorpay {
	return &Razorpay{
		keyID:      keyID,
		keySecret:  keySecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

// KeyID is the public key the client needs to open checkout
func (r *Razorpay) KeyID() string {
	return r.keyID
}

// Name identifies the gateway
func (r *Razorpay) Name() string {
	return Name
}

// CreateIntent creates a gateway order for amountMinor in the smallest currency unit
func (r *Razorpay) CreateIntent(ctx context.Context, amountMinor int64, currency, receipt, label string) (*Intent, error) {
	ctx, span := util.StartSpan(ctx, "Razorpay.CreateIntent")
	defer span.End()

	if r.keyID == "" || r.keySecret == "" {
		return nil, ErrGatewayConfig
	}
	if amountMinor <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amountMinor)
	}
	span.SetAttributes(attribute.Int64("amount_minor", amountMinor), attribute.String("receipt", receipt))

	body, err := json.Marshal(createOrderRequest{
		Amount:   amountMinor,
		Currency: currency,
		Receipt:  receipt,
		Notes:    map[string]string{"label": label},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build intent request: %w", err)
	}
	req.SetBasicAuth(r.keyID, r.keySecret)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	util.GatewayRequestLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.FailSpan(span, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := r.statusError(resp)
		util.FailSpan(span, err)
		return nil, err
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrGatewayUnavailable, err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: response without order id", ErrGatewayUnavailable)
	}

	r.logger.Info("Payment intent created",
		zap.String("intent_id", intent.ID),
		zap.String("receipt", receipt),
		zap.Int64("amount_minor", intent.Amount))
	return &intent, nil
}

func (r *Razorpay) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var parsed errorResponse
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Description != "" {
		detail = parsed.Error.Description
	}

	r.logger.Warn("Payment gateway returned error",
		zap.Int("status", resp.StatusCode),
		zap.String("detail", detail))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrGatewayConfig, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s", ErrGatewayRejected, detail)
	}
}

// VerifyPayment checks the client-supplied signature over intentID|paymentID
func (r *Razorpay) VerifyPayment(intentID, paymentID, signature string) error {
	if r.keySecret == "" {
		return ErrGatewayConfig
	}
	if intentID == "" || paymentID == "" || signature == "" {
		return ErrInvalidSignature
	}

	expected := Sign(r.keySecret, intentID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns hex(HMAC-SHA256(secret, intentID|paymentID))
func Sign(secret, intentID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(intentID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
