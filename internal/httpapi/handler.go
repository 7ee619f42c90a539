// Package httpapi exposes the fulfillment operations over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/auth"
	"github.com/jogardn/bookstore-fulfillment/internal/circuitbreaker"
	"github.com/jogardn/bookstore-fulfillment/internal/fulfillment"
	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// UserSocket attaches an authenticated websocket connection to a user.
type UserSocket interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID string)
}

type Handler struct {
	service  *fulfillment.Service
	inbox    *notify.Inbox
	sockets  UserSocket
	breakers *circuitbreaker.Manager
	logger   *logrus.Logger
	started  time.Time
}

func NewHandler(service *fulfillment.Service, inbox *notify.Inbox, sockets UserSocket, breakers *circuitbreaker.Manager, logger *logrus.Logger) *Handler {
	return &Handler{
		service:  service,
		inbox:    inbox,
		sockets:  sockets,
		breakers: breakers,
		logger:   logger,
		started:  time.Now(),
	}
}

// Router wires every route. Everything except /health and /metrics needs a
// bearer token.
func (h *Handler) Router(verifier *auth.Verifier, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods("GET", "OPTIONS")
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	api := router.NewRoute().Subrouter()
	api.Use(verifier.Middleware)

	api.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/assign", h.AssignOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/accept", h.AcceptOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/status", h.UpdateStatus).Methods("PUT")
	api.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods("PUT")
	api.HandleFunc("/orders/{id}/deliver", h.ForceDeliver).Methods("PUT")
	api.HandleFunc("/orders/{id}/pay", h.MarkPaid).Methods("PUT")
	api.HandleFunc("/orders/{id}/hide", h.HideOrder).Methods("PUT")

	api.HandleFunc("/delivery/orders", h.DeliveryOrders).Methods("GET")
	api.HandleFunc("/delivery/orders/{id}/status", h.DeliveryStatus).Methods("PUT")
	api.HandleFunc("/delivery/orders/{id}/resend-otp", h.ResendOTP).Methods("POST")
	api.HandleFunc("/delivery/orders/{id}/verify", h.VerifyDelivery).Methods("POST")

	api.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", h.MarkNotificationRead).Methods("PUT")
	api.HandleFunc("/notifications/{id}", h.DeleteNotification).Methods("DELETE")

	api.HandleFunc("/ws", h.WebSocket).Methods("GET")

	router.Use(corsMiddleware())
	router.Use(metricsMiddleware(m))
	router.Use(loggingMiddleware(h.logger))
	return router
}

type assignRequest struct {
	DeliveryPartnerID string `json:"deliveryPartnerId"`
}

type codeRequest struct {
	OTP string `json:"otp"`
}

type statusRequest struct {
	Status string `json:"status"`
	OTP    string `json:"otp,omitempty"`
}

type payRequest struct {
	PaymentResult models.PaymentResult `json:"paymentResult"`
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.service.Order(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "Order found", Order: order})
}

func (h *Handler) AssignOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Assign(r.Context(), actor, mux.Vars(r)["id"], req.DeliveryPartnerID)
	h.respondWithResult(w, r, res, err, "Delivery partner assigned, awaiting acceptance")
}

func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Accept(r.Context(), actor, mux.Vars(r)["id"], req.OTP)
	h.respondWithResult(w, r, res, err, "Order accepted")
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := models.ParseDeliveryStatus(req.Status)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.service.UpdateStatus(r.Context(), actor, mux.Vars(r)["id"], status, req.OTP)
	h.respondWithResult(w, r, res, err, "Order status updated")
}

func (h *Handler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := models.ParseDeliveryStatus(req.Status)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.service.StartDelivery(r.Context(), actor, mux.Vars(r)["id"], status)
	h.respondWithResult(w, r, res, err, "Delivery status updated")
}

func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.service.ResendConfirmation(r.Context(), actor, mux.Vars(r)["id"])
	h.respondWithResult(w, r, res, err, "Delivery code resent")
}

func (h *Handler) VerifyDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.ConfirmDelivery(r.Context(), actor, mux.Vars(r)["id"], req.OTP)
	h.respondWithResult(w, r, res, err, "Order delivered")
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.service.Cancel(r.Context(), actor, mux.Vars(r)["id"])
	h.respondWithResult(w, r, res, err, "Order cancelled")
}

func (h *Handler) ForceDeliver(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.service.ForceDeliver(r.Context(), actor, mux.Vars(r)["id"])
	h.respondWithResult(w, r, res, err, "Order marked delivered")
}

func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req payRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.MarkPaid(r.Context(), actor, mux.Vars(r)["id"], req.PaymentResult)
	h.respondWithResult(w, r, res, err, "Order paid")
}

func (h *Handler) HideOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.service.Hide(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "Order removed from history", Order: order})
}

func (h *Handler) DeliveryOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orders, err := h.service.DeliveryOrders(r.Context(), actor)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(orders),
		"orders":  orders,
	})
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondWithError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}
	list, err := h.inbox.List(r.Context(), actor.UserID, limit)
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"notifications": list,
	})
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	n, err := h.inbox.MarkRead(r.Context(), actor.UserID, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"notification": n,
	})
}

func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.inbox.Delete(r.Context(), actor.UserID, mux.Vars(r)["id"]); err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Notification deleted",
	})
}

func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.sockets.ServeUser(w, r, actor.UserID)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "fulfillment",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"breakers": h.breakers.Snapshots(),
	})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (fulfillment.Actor, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "authentication required")
	}
	return actor, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	h.logger.WithError(err).Warn("Failed to decode request body")
	h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
	return false
}

func (h *Handler) respondWithResult(w http.ResponseWriter, r *http.Request, res *fulfillment.Result, err error, message string) {
	if err != nil {
		h.respondWithAppError(w, r, err)
		return
	}
	for _, warning := range res.Warnings {
		w.Header().Add("Warning", fmt.Sprintf("199 fulfillment %q", warning))
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: message, Order: res.Order})
}

func (h *Handler) respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"kind":   apperr.KindOf(err).String(),
	}).WithError(err)
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	h.respondWithError(w, code, apperr.Message(err))
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
