package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/eduflow/order-service/internal/order/application"
	"github.com/eduflow/order-service/internal/order/domain"
)

const alreadyCapturedIssue = "ORDER_ALREADY_CAPTURED"

// Client talks to the checkout-orders API. It holds no order state and
// never retries; retry policy belongs to the coordinator and reconciler.
type Client struct {
	log      *slog.Logger
	http     *http.Client
	baseURL  string
	clientID string
	secret   string
	tracer   trace.Tracer

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient builds a gateway client for baseURL. Credentials come from
// configuration; the timeout bounds every outbound call.
func NewClient(log *slog.Logger, baseURL, clientID, secret string, timeout time.Duration) *Client {
	return &Client{
		log:      log,
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		tracer:   otel.Tracer("paypal-client"),
	}
}

// CreatePaymentIntent creates a gateway order in CAPTURE intent and
// returns its id together with the buyer approval URL. The idempotency key
// rides the provider request-id header so a replayed create resolves to
// the same gateway order.
func (c *Client) CreatePaymentIntent(ctx context.Context, intent application.PaymentIntent) (application.PaymentIntentResult, error) {
	ctx, span := c.tracer.Start(ctx, "CreatePaymentIntent")
	defer span.End()

	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: intent.ReferenceID,
			Description: intent.Description,
			Amount: amount{
				CurrencyCode: intent.Amount.Currency,
				Value:        intent.Amount.DecimalString(),
			},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  intent.ReturnURL,
			CancelURL:  intent.CancelURL,
			UserAction: "PAY_NOW",
		},
	}

	var resp createOrderResponse
	if err := c.post(ctx, "/v2/checkout/orders", intent.IdempotencyKey, body, &resp); err != nil {
		return application.PaymentIntentResult{}, err
	}
	if resp.ID == "" {
		return application.PaymentIntentResult{}, fmt.Errorf("%w: create response without order id", domain.ErrMalformedResponse)
	}

	approval := ""
	for _, l := range resp.Links {
		if l.Rel == "approve" {
			approval = l.Href
			break
		}
	}
	if approval == "" {
		c.log.Error("gateway create response missing approval link", "external_order_id", resp.ID)
		return application.PaymentIntentResult{}, fmt.Errorf("%w: no approval link for order %s", domain.ErrMalformedResponse, resp.ID)
	}

	return application.PaymentIntentResult{ExternalOrderID: resp.ID, ApprovalURL: approval}, nil
}

// CapturePayment settles the approved payment behind externalOrderID.
func (c *Client) CapturePayment(ctx context.Context, externalOrderID string) (application.CaptureResult, error) {
	ctx, span := c.tracer.Start(ctx, "CapturePayment")
	defer span.End()

	var resp captureResponse
	path := "/v2/checkout/orders/" + url.PathEscape(externalOrderID) + "/capture"
	if err := c.post(ctx, path, "", struct{}{}, &resp); err != nil {
		return application.CaptureResult{}, err
	}

	result := application.CaptureResult{PayerID: resp.Payer.PayerID}
	for _, pu := range resp.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			result.CaptureID = pu.Payments.Captures[0].ID
			break
		}
	}

	switch resp.Status {
	case "COMPLETED":
		result.Status = application.CaptureCompleted
	case "DECLINED":
		result.Status = application.CaptureDeclined
	default:
		result.Status = application.CapturePending
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path, requestID string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", domain.ErrGatewayRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrMalformedResponse, err)
		}
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
		c.log.Error("gateway unavailable", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var gwErr errorResponse
	_ = json.Unmarshal(raw, &gwErr)
	if gwErr.hasIssue(alreadyCapturedIssue) {
		return domain.ErrAlreadyCaptured
	}
	c.log.Warn("gateway rejected request", "path", path, "status", resp.StatusCode, "name", gwErr.Name)
	return fmt.Errorf("%w: status %d %s", domain.ErrGatewayRejected, resp.StatusCode, gwErr.Name)
}

// accessToken returns a cached client-credentials token, refreshing it
// shortly before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Error("gateway token request failed", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: token status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", domain.ErrMalformedResponse, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", domain.ErrMalformedResponse)
	}

	c.token = tok.AccessToken
	// Refresh a minute early so in-flight calls never carry a stale token.
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}
