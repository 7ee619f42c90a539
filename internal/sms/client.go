// Package sms sends text messages through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type Client struct {
	baseURL    string
	apiKey     string
	sender     string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(baseURL, apiKey, sender string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		sender:  sender,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type sendRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

func (c *Client) Send(ctx context.Context, phone, message string) error {
	jsonData, err := json.Marshal(sendRequest{From: c.sender, To: phone, Body: message})
	if err != nil {
		return fmt.Errorf("failed to marshal sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to sms gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sms gateway returned error status: %d", resp.StatusCode)
	}

	var sendResp sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return fmt.Errorf("failed to decode sms gateway response: %w", err)
	}
	if !sendResp.Success {
		return fmt.Errorf("sms gateway rejected message: %s", sendResp.Message)
	}

	c.logger.WithFields(logrus.Fields{
		"message_id": sendResp.MessageID,
		"status":     resp.StatusCode,
	}).Info("SMS accepted by gateway")
	return nil
}

// LogSender stands in for the gateway when none is configured. It only logs.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, phone, message string) error {
	s.logger.WithFields(logrus.Fields{
		"to":     maskPhone(phone),
		"length": len(message),
	}).Info("SMS gateway not configured, message logged only")
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
