package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestClientSend(t *testing.T) {
	var got sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(sendResponse{Success: true, MessageID: "m-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", "Bookstore", testLogger())
	if err := client.Send(context.Background(), "+15550100", "Your code is 123456"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.To != "+15550100" || got.From != "Bookstore" || got.Body != "Your code is 123456" {
		t.Errorf("request = %+v", got)
	}
}

func TestClientSendErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		success bool
	}{
		{"server error", http.StatusInternalServerError, false},
		{"rejected", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(sendResponse{Success: tt.success, Message: "invalid number"})
			}))
			defer server.Close()

			client := NewClient(server.URL, "", "", testLogger())
			if err := client.Send(context.Background(), "+15550100", "hi"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLogSenderNeverFails(t *testing.T) {
	if err := NewLogSender(testLogger()).Send(context.Background(), "12", "hi"); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}
