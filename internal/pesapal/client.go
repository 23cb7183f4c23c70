// Package pesapal is an HTTP client for the Pesapal v3 payments API.
package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	authTokenPath         = "/api/Auth/RequestToken"
	submitOrderPath       = "/api/Transactions/SubmitOrderRequest"
	transactionStatusPath = "/api/Transactions/GetTransactionStatus"

	// The gateway issues five-minute tokens; the cached window is kept
	// shorter so a token is never used right at its expiry.
	defaultTokenValidity = 290 * time.Second
	defaultTimeout       = 10 * time.Second
)

var (
	// ErrGatewayAuth signals a failed credential exchange with the gateway.
	ErrGatewayAuth = errors.New("gateway authentication failed")
	// ErrGatewayRequest signals a failed order or status call.
	ErrGatewayRequest = errors.New("gateway request failed")
	// ErrInvalidClientConfig signals missing client configuration.
	ErrInvalidClientConfig = errors.New("invalid pesapal client config")
)

// Config aggregates the gateway connection settings.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
	TokenValidity  time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" {
		return fmt.Errorf("%w: consumer key is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return fmt.Errorf("%w: consumer secret is required", ErrInvalidClientConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TokenValidity <= 0 {
		cfg.TokenValidity = defaultTokenValidity
	}
	return nil
}

// Client talks to the gateway and caches its bearer token.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	nowFn      func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithClock overrides the client's time source.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) {
		client.nowFn = now
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// New wires a Client.
func New(cfg Config, logger *zap.Logger, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type authRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type authResponse struct {
	Token   string `json:"token"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BillingAddress carries the customer details submitted with an order.
type BillingAddress struct {
	EmailAddress string `json:"email_address"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code"`
}

// OrderRequest is the payload for SubmitOrderRequest.
type OrderRequest struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         float64        `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id,omitempty"`
	Billing        BillingAddress `json:"billing_address"`
}

// OrderResponse is the gateway's acknowledgement of a submitted order.
type OrderResponse struct {
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
	Status            string `json:"status"`
}

type statusResponse struct {
	PaymentStatusDescription string  `json:"payment_status_description"`
	PaymentMethod            string  `json:"payment_method"`
	Amount                   float64 `json:"amount"`
	ConfirmationCode         string  `json:"confirmation_code"`
}

// Token returns a valid cached bearer token, refreshing it when expired.
// Two callers racing past an expired token both refresh; last write wins
// and both tokens remain usable for the cached window.
func (client *Client) Token(ctx context.Context) (string, error) {
	client.mu.Lock()
	if client.token != "" && client.nowFn().Before(client.tokenExpiry) {
		token := client.token
		client.mu.Unlock()
		return token, nil
	}
	client.mu.Unlock()

	payload := authRequest{
		ConsumerKey:    client.cfg.ConsumerKey,
		ConsumerSecret: client.cfg.ConsumerSecret,
	}
	var parsed authResponse
	if err := client.postJSON(ctx, authTokenPath, "", payload, &parsed); err != nil {
		client.logger.Error("gateway token request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("%w: empty token in response", ErrGatewayAuth)
	}

	client.mu.Lock()
	client.token = parsed.Token
	client.tokenExpiry = client.nowFn().Add(client.cfg.TokenValidity)
	client.mu.Unlock()
	return parsed.Token, nil
}

// SubmitOrder places an order with the gateway and returns its checkout handle.
func (client *Client) SubmitOrder(ctx context.Context, order OrderRequest) (OrderResponse, error) {
	token, err := client.Token(ctx)
	if err != nil {
		return OrderResponse{}, err
	}
	var parsed OrderResponse
	if err := client.postJSON(ctx, submitOrderPath, token, order, &parsed); err != nil {
		client.logger.Error("gateway order submission failed",
			zap.String("merchant_reference", order.ID),
			zap.Error(err))
		return OrderResponse{}, fmt.Errorf("%w: %v", ErrGatewayRequest, err)
	}
	if parsed.RedirectURL == "" || parsed.OrderTrackingID == "" {
		return OrderResponse{}, fmt.Errorf("%w: incomplete order acknowledgement", ErrGatewayRequest)
	}
	return parsed, nil
}

// TransactionStatus queries the authoritative payment status for a tracking id.
// The returned status is normalized to lower case ("completed", "failed", ...).
func (client *Client) TransactionStatus(ctx context.Context, trackingID string) (string, error) {
	token, err := client.Token(ctx)
	if err != nil {
		return "", err
	}
	endpoint := client.cfg.BaseURL + transactionStatusPath + "?orderTrackingId=" + url.QueryEscape(trackingID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayRequest, err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	var parsed statusResponse
	if err := client.do(request, &parsed); err != nil {
		client.logger.Error("gateway status query failed",
			zap.String("tracking_id", trackingID),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGatewayRequest, err)
	}
	return strings.ToLower(strings.TrimSpace(parsed.PaymentStatusDescription)), nil
}

func (client *Client) postJSON(ctx context.Context, path string, token string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return client.do(request, out)
}

func (client *Client) do(request *http.Request, out any) error {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", response.StatusCode, truncate(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func truncate(raw []byte) string {
	const limit = 256
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit])
}
