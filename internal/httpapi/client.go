package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

// StatusError is a non-2xx answer from the fulfillment API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fulfillment api returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the fulfillment API on behalf of one authenticated actor.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(baseURL, token string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Response is an order answer plus any warnings the server attached.
type Response struct {
	models.OrderResponse
	Warnings []string
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Response, error) {
	return c.do(ctx, "GET", "/orders/"+orderID, nil)
}

func (c *Client) Assign(ctx context.Context, orderID, partnerID string) (*Response, error) {
	return c.do(ctx, "POST", "/orders/"+orderID+"/assign", assignRequest{DeliveryPartnerID: partnerID})
}

func (c *Client) Accept(ctx context.Context, orderID, code string) (*Response, error) {
	return c.do(ctx, "POST", "/orders/"+orderID+"/accept", codeRequest{OTP: code})
}

func (c *Client) UpdateStatus(ctx context.Context, orderID string, status models.DeliveryStatus, code string) (*Response, error) {
	return c.do(ctx, "PUT", "/orders/"+orderID+"/status", statusRequest{Status: string(status), OTP: code})
}

func (c *Client) StartDelivery(ctx context.Context, orderID string, status models.DeliveryStatus) (*Response, error) {
	return c.do(ctx, "PUT", "/delivery/orders/"+orderID+"/status", statusRequest{Status: string(status)})
}

func (c *Client) ResendOTP(ctx context.Context, orderID string) (*Response, error) {
	return c.do(ctx, "POST", "/delivery/orders/"+orderID+"/resend-otp", nil)
}

func (c *Client) Verify(ctx context.Context, orderID, code string) (*Response, error) {
	return c.do(ctx, "POST", "/delivery/orders/"+orderID+"/verify", codeRequest{OTP: code})
}

func (c *Client) Cancel(ctx context.Context, orderID string) (*Response, error) {
	return c.do(ctx, "PUT", "/orders/"+orderID+"/cancel", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to fulfillment api: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out.OrderResponse); err != nil {
		return nil, fmt.Errorf("failed to decode fulfillment api response: %w", err)
	}
	out.Warnings = resp.Header.Values("Warning")

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"success": out.Success,
	}).Debug("Received response from fulfillment api")

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: out.Message}
	}
	return &out, nil
}
