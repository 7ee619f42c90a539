// Package fulfillment drives an order from placement to delivery. It is the
// only writer of an order's delivery state: every operation checks the
// actor, talks to the code issuer where a handoff is involved, commits one
// conditional ledger change and then fans out notifications.
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/directory"
	"github.com/jogardn/bookstore-fulfillment/internal/ledger"
	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/jogardn/bookstore-fulfillment/internal/otp"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCancelWindow = 24 * time.Hour

	// WarningNotificationNotSaved is returned when the order changed but its
	// notification could not be persisted.
	WarningNotificationNotSaved = "notification could not be saved"
)

// Codes is the part of the code issuer the orchestrator needs.
type Codes interface {
	Issue(ctx context.Context, orderID string, purpose models.CodePurpose, to otp.Recipient) (*models.OneTimeCode, error)
	Redeem(ctx context.Context, orderID string, purpose models.CodePurpose, code string) error
	Invalidate(ctx context.Context, orderID string, purpose models.CodePurpose) (int, error)
	TTL() time.Duration
}

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

type Options struct {
	CancelWindow time.Duration
	// LegacyImmediateAssignment records the partner on the order as soon as
	// an admin assigns it, before the partner accepts.
	LegacyImmediateAssignment bool
}

// Result is the order after a successful operation plus any soft failures
// that happened after the change committed.
type Result struct {
	Order    *models.Order
	Warnings []string
}

type Service struct {
	ledger    *ledger.Ledger
	codes     Codes
	directory directory.Directory
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	opts      Options
	now       func() time.Time
}

func NewService(l *ledger.Ledger, codes Codes, dir directory.Directory, notifier Notifier, m *metrics.Metrics, logger *logrus.Logger, opts Options) *Service {
	if opts.CancelWindow <= 0 {
		opts.CancelWindow = DefaultCancelWindow
	}
	return &Service{
		ledger:    l,
		codes:     codes,
		directory: dir,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for the cancel window and timeline entries.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Order returns an order to an actor allowed to see it.
func (s *Service) Order(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch actor.Role {
	case models.RoleAdmin:
		return order, nil
	case models.RoleUser:
		if order.UserID == actor.UserID {
			return order, nil
		}
	case models.RoleDelivery:
		if order.DeliveryPartnerID == actor.UserID || order.PendingDeliveryPartnerID == actor.UserID {
			return order, nil
		}
	case models.RoleSeller:
		owns, err := directory.SellerOwnsOrder(ctx, s.directory, actor.UserID, order)
		if err != nil {
			return nil, err
		}
		if owns {
			return order, nil
		}
	}
	return nil, apperr.Unauthorized("not allowed to view this order")
}

// Assign offers the order to a delivery partner. The partner becomes the
// order's delivery partner only once they accept with the assignment code.
func (s *Service) Assign(ctx context.Context, actor Actor, orderID, partnerID string) (*Result, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	if partnerID == "" {
		return nil, apperr.Validation("delivery partner id is required")
	}

	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}
	current := order.DeliveryStatus
	if current != models.StatusPlaced && current != models.StatusPackedBySeller {
		return nil, apperr.InvalidState("order in status %s cannot be assigned", current)
	}

	partner, err := s.directory.User(ctx, partnerID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound("delivery partner %s not found", partnerID)
		}
		return nil, err
	}
	if partner.Role != models.RoleDelivery {
		return nil, apperr.Validation("user %s is not a delivery partner", partnerID)
	}
	if !partner.IsAvailable {
		return nil, apperr.InvalidState("delivery partner %s is not available", partnerID)
	}
	if !partner.HasContact() {
		return nil, apperr.Validation("delivery partner %s has no email or phone", partnerID)
	}

	if _, err := s.codes.Invalidate(ctx, orderID, models.PurposeHandoffAssignment); err != nil {
		return nil, err
	}
	code, err := s.codes.Issue(ctx, orderID, models.PurposeHandoffAssignment, otp.Recipient{Email: partner.Email, Phone: partner.Phone})
	if err != nil {
		return nil, err
	}

	change := ledger.Change{
		From:             []models.DeliveryStatus{current},
		PendingPartnerID: partner.ID,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusAssignedToDelivery),
			Description: fmt.Sprintf("Assigned to delivery partner %s, pending acceptance", partner.Name),
		},
	}
	if s.opts.LegacyImmediateAssignment {
		change.DeliveryPartnerID = partner.ID
	}

	updated, err := s.apply(ctx, orderID, change)
	if err != nil {
		s.discardCode(ctx, orderID, models.PurposeHandoffAssignment)
		return nil, err
	}

	subject, body := assignmentMessage(updated, code.Code, s.codes.TTL())
	res := &Result{Order: updated}
	s.send(ctx, res, notify.Event{
		RecipientID: partner.ID,
		OrderID:     orderID,
		Kind:        models.NotificationDeliveryAssignment,
		Subject:     subject,
		Message:     body,
		Contact:     notify.Contact{Email: partner.Email, Phone: partner.Phone},
	})
	return res, nil
}

// Accept is the partner's acknowledgement of an assignment.
func (s *Service) Accept(ctx context.Context, actor Actor, orderID, code string) (*Result, error) {
	if err := requireRole(actor, models.RoleDelivery); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperr.Validation("assignment code is required")
	}

	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !s.offeredTo(order, actor.UserID) {
		return nil, apperr.Unauthorized("order is not assigned to you")
	}
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}
	if order.DeliveryStatus != models.StatusPlaced && order.DeliveryStatus != models.StatusPackedBySeller {
		return nil, apperr.InvalidState("order in status %s cannot be accepted", order.DeliveryStatus)
	}

	if err := s.redeem(ctx, orderID, models.PurposeHandoffAssignment, code); err != nil {
		return nil, err
	}

	// The code is spent even if the change below loses a race.
	updated, err := s.apply(ctx, orderID, ledger.Change{
		From:                []models.DeliveryStatus{models.StatusPlaced, models.StatusPackedBySeller},
		To:                  models.StatusAssignedToDelivery,
		DeliveryPartnerID:   actor.UserID,
		ClearPendingPartner: true,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusAssignedToDelivery),
			Description: "Delivery partner accepted the order",
		},
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Order: updated}
	subject, body := acceptedMessage(updated)
	s.send(ctx, res, s.buyerEvent(ctx, updated, models.NotificationOrderAssigned, subject, body, notify.ChannelPush))
	return res, nil
}

func (s *Service) offeredTo(order *models.Order, partnerID string) bool {
	if order.PendingDeliveryPartnerID == partnerID {
		return true
	}
	return s.opts.LegacyImmediateAssignment && order.DeliveryPartnerID == partnerID
}

// UpdateStatus is the generic status endpoint. What a caller may set depends
// on their role; handoff statuses are routed through the code-checked paths.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, orderID string, target models.DeliveryStatus, code string) (*Result, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, apperr.Validation("unknown delivery status %q", target)
	}

	switch actor.Role {
	case models.RoleSeller:
		if target != models.StatusPackedBySeller {
			return nil, apperr.Unauthorized("sellers may only mark orders as packed")
		}
		order, err := s.ledger.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		owns, err := directory.SellerOwnsOrder(ctx, s.directory, actor.UserID, order)
		if err != nil {
			return nil, err
		}
		if !owns {
			return nil, apperr.Unauthorized("order contains none of your products")
		}
		return s.advance(ctx, order, target)

	case models.RoleDelivery:
		switch target {
		case models.StatusDispatched, models.StatusOutForDelivery:
			return s.StartDelivery(ctx, actor, orderID, target)
		case models.StatusDelivered:
			return s.ConfirmDelivery(ctx, actor, orderID, code)
		default:
			return nil, apperr.Unauthorized("delivery partners may not set status %s", target)
		}

	case models.RoleAdmin:
		switch target {
		case models.StatusDelivered:
			return s.ForceDeliver(ctx, actor, orderID)
		case models.StatusCancelled:
			return s.cancel(ctx, orderID, "Order cancelled by admin", false)
		}
		order, err := s.ledger.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch target {
		case models.StatusAssignedToDelivery:
			return s.promotePending(ctx, order)
		case models.StatusOutForDelivery:
			if order.Terminal() {
				return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
			}
			if order.DeliveryPartnerID == "" {
				return nil, apperr.InvalidState("order has no delivery partner")
			}
			return s.sendOutForDelivery(ctx, order)
		}
		return s.advance(ctx, order, target)
	}

	return nil, apperr.Unauthorized("role %s may not update order status", actor.Role)
}

// advance is a plain table-checked move with no handoff involved.
func (s *Service) advance(ctx context.Context, order *models.Order, target models.DeliveryStatus) (*Result, error) {
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}
	if !models.CanAdvance(order.DeliveryStatus, target) {
		return nil, apperr.InvalidState("cannot move order from %s to %s", order.DeliveryStatus, target)
	}
	if target.Terminal() {
		return nil, apperr.InvalidState("status %s has its own operation", target)
	}

	updated, err := s.apply(ctx, order.ID, ledger.Change{
		From: []models.DeliveryStatus{order.DeliveryStatus},
		To:   target,
		Entry: models.TimelineEntry{
			Status:      string(target),
			Description: fmt.Sprintf("Order status updated to %s", target),
		},
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Order: updated}
	subject, body := statusMessage(updated, target)
	s.send(ctx, res, s.buyerEvent(ctx, updated, statusNotification(target), subject, body, notify.ChannelPush))
	return res, nil
}

func (s *Service) promotePending(ctx context.Context, order *models.Order) (*Result, error) {
	if order.PendingDeliveryPartnerID == "" {
		return nil, apperr.InvalidState("order has no pending delivery partner")
	}
	if !models.CanAdvance(order.DeliveryStatus, models.StatusAssignedToDelivery) {
		return nil, apperr.InvalidState("cannot move order from %s to %s", order.DeliveryStatus, models.StatusAssignedToDelivery)
	}

	updated, err := s.apply(ctx, order.ID, ledger.Change{
		From:                []models.DeliveryStatus{order.DeliveryStatus},
		To:                  models.StatusAssignedToDelivery,
		DeliveryPartnerID:   order.PendingDeliveryPartnerID,
		ClearPendingPartner: true,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusAssignedToDelivery),
			Description: "Delivery partner assigned by admin",
		},
	})
	if err != nil {
		return nil, err
	}
	s.discardCode(ctx, order.ID, models.PurposeHandoffAssignment)

	res := &Result{Order: updated}
	subject, body := acceptedMessage(updated)
	s.send(ctx, res, s.buyerEvent(ctx, updated, models.NotificationOrderAssigned, subject, body, notify.ChannelPush))
	return res, nil
}

// StartDelivery moves an assigned order on towards the buyer. Going out for
// delivery issues the confirmation code the buyer hands to the partner.
func (s *Service) StartDelivery(ctx context.Context, actor Actor, orderID string, target models.DeliveryStatus) (*Result, error) {
	if err := requireRole(actor, models.RoleDelivery); err != nil {
		return nil, err
	}
	if target != models.StatusDispatched && target != models.StatusOutForDelivery {
		return nil, apperr.Validation("status must be %s or %s", models.StatusDispatched, models.StatusOutForDelivery)
	}

	order, err := s.assignedOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}

	if target == models.StatusDispatched {
		return s.advance(ctx, order, target)
	}
	return s.sendOutForDelivery(ctx, order)
}

func (s *Service) sendOutForDelivery(ctx context.Context, order *models.Order) (*Result, error) {
	current := order.DeliveryStatus
	if current != models.StatusAssignedToDelivery && current != models.StatusDispatched {
		return nil, apperr.InvalidState("order in status %s cannot go out for delivery", current)
	}

	contact := s.buyerContact(ctx, order)
	if _, err := s.codes.Invalidate(ctx, order.ID, models.PurposeHandoffConfirmation); err != nil {
		return nil, err
	}
	code, err := s.codes.Issue(ctx, order.ID, models.PurposeHandoffConfirmation, otp.Recipient{Email: contact.Email, Phone: contact.Phone})
	if err != nil {
		return nil, err
	}

	updated, err := s.apply(ctx, order.ID, ledger.Change{
		From: []models.DeliveryStatus{current},
		To:   models.StatusOutForDelivery,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusOutForDelivery),
			Description: models.StatusOutForDelivery.Describe(),
		},
	})
	if err != nil {
		s.discardCode(ctx, order.ID, models.PurposeHandoffConfirmation)
		return nil, err
	}

	res := &Result{Order: updated}
	subject, body := outForDeliveryMessage(updated, code.Code, s.codes.TTL())
	s.send(ctx, res, notify.Event{
		RecipientID: updated.UserID,
		OrderID:     updated.ID,
		Kind:        models.NotificationOutForDelivery,
		Subject:     subject,
		Message:     body,
		Contact:     contact,
	})
	return res, nil
}

// ResendConfirmation replaces the buyer's confirmation code. Earlier codes
// stop working; the order itself does not change.
func (s *Service) ResendConfirmation(ctx context.Context, actor Actor, orderID string) (*Result, error) {
	if err := requireRole(actor, models.RoleDelivery); err != nil {
		return nil, err
	}
	order, err := s.assignedOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if order.DeliveryStatus != models.StatusOutForDelivery || order.Terminal() {
		return nil, apperr.InvalidState("order in status %s is not out for delivery", order.DeliveryStatus)
	}

	contact := s.buyerContact(ctx, order)
	if _, err := s.codes.Invalidate(ctx, orderID, models.PurposeHandoffConfirmation); err != nil {
		return nil, err
	}
	code, err := s.codes.Issue(ctx, orderID, models.PurposeHandoffConfirmation, otp.Recipient{Email: contact.Email, Phone: contact.Phone})
	if err != nil {
		return nil, err
	}

	// A delivery, cancel or reassignment may have committed while the code
	// was issued; its own discard ran too early to catch the new code.
	order, err = s.ledger.Get(ctx, orderID)
	if err != nil {
		s.discardCode(ctx, orderID, models.PurposeHandoffConfirmation)
		return nil, err
	}
	if order.DeliveryStatus != models.StatusOutForDelivery || order.Terminal() || order.DeliveryPartnerID != actor.UserID {
		s.discardCode(ctx, orderID, models.PurposeHandoffConfirmation)
		return nil, apperr.InvalidState("order moved to %s while the code was being resent", order.DeliveryStatus)
	}

	res := &Result{Order: order}
	subject, body := resentMessage(order, code.Code, s.codes.TTL())
	s.send(ctx, res, notify.Event{
		RecipientID: order.UserID,
		OrderID:     orderID,
		Kind:        models.NotificationDeliveryCodeResent,
		Subject:     subject,
		Message:     body,
		Contact:     contact,
	})
	return res, nil
}

// ConfirmDelivery completes the handoff with the code the buyer received.
func (s *Service) ConfirmDelivery(ctx context.Context, actor Actor, orderID, code string) (*Result, error) {
	if err := requireRole(actor, models.RoleDelivery); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperr.Validation("delivery code is required")
	}
	order, err := s.assignedOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}
	if order.DeliveryStatus != models.StatusOutForDelivery {
		return nil, apperr.InvalidState("order in status %s is not out for delivery", order.DeliveryStatus)
	}

	if err := s.redeem(ctx, orderID, models.PurposeHandoffConfirmation, code); err != nil {
		return nil, err
	}

	// The code is spent even if the change below loses a race.
	updated, err := s.apply(ctx, orderID, ledger.Change{
		From:          []models.DeliveryStatus{models.StatusOutForDelivery},
		To:            models.StatusDelivered,
		MarkDelivered: true,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusDelivered),
			Description: "Order delivered and confirmed with delivery code",
		},
	})
	if err != nil {
		return nil, err
	}
	// Drops a code resent after this one was redeemed.
	s.discardCode(ctx, orderID, models.PurposeHandoffConfirmation)

	res := &Result{Order: updated}
	subject, body := deliveredMessage(updated)
	s.send(ctx, res, s.buyerEvent(ctx, updated, models.NotificationOrderDelivered, subject, body))
	return res, nil
}

// Cancel lets the buyer withdraw an order within the cancel window.
func (s *Service) Cancel(ctx context.Context, actor Actor, orderID string) (*Result, error) {
	if err := requireRole(actor, models.RoleUser); err != nil {
		return nil, err
	}
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != actor.UserID {
		return nil, apperr.Unauthorized("not your order")
	}
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}
	if s.now().Sub(order.CreatedAt) > s.opts.CancelWindow {
		return nil, apperr.InvalidState("orders can only be cancelled within %s of placement", s.opts.CancelWindow)
	}
	return s.cancel(ctx, orderID, "Order cancelled by buyer", true)
}

func (s *Service) cancel(ctx context.Context, orderID, description string, byBuyer bool) (*Result, error) {
	updated, err := s.apply(ctx, orderID, ledger.Change{
		From:          models.NonTerminal(),
		To:            models.StatusCancelled,
		MarkCancelled: true,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusCancelled),
			Description: description,
		},
	})
	if err != nil {
		return nil, err
	}

	s.discardCode(ctx, orderID, models.PurposeHandoffAssignment)
	s.discardCode(ctx, orderID, models.PurposeHandoffConfirmation)

	res := &Result{Order: updated}
	subject, body := cancelledMessage(updated)
	s.send(ctx, res, s.buyerEvent(ctx, updated, models.NotificationOrderCancelled, subject, body, notify.ChannelPush, notify.ChannelEmail))

	partnerID := updated.DeliveryPartnerID
	if partnerID == "" {
		partnerID = updated.PendingDeliveryPartnerID
	}
	if byBuyer && partnerID != "" {
		subject, body := partnerCancelledMessage(updated)
		s.send(ctx, res, notify.Event{
			RecipientID: partnerID,
			OrderID:     orderID,
			Kind:        models.NotificationOrderCancelled,
			Subject:     subject,
			Message:     body,
			Channels:    []notify.Channel{notify.ChannelPush},
		})
	}
	return res, nil
}

// ForceDeliver is the admin override for paid orders that were handed over
// without a code.
func (s *Service) ForceDeliver(ctx context.Context, actor Actor, orderID string) (*Result, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return nil, apperr.InvalidState("order is already %s", order.DeliveryStatus)
	}
	if !order.IsPaid {
		return nil, apperr.InvalidState("order must be paid before it can be marked delivered")
	}

	updated, err := s.apply(ctx, orderID, ledger.Change{
		From:          []models.DeliveryStatus{order.DeliveryStatus},
		To:            models.StatusDelivered,
		MarkDelivered: true,
		Entry: models.TimelineEntry{
			Status:      string(models.StatusDelivered),
			Description: "Order marked delivered by admin",
		},
	})
	if err != nil {
		return nil, err
	}
	s.discardCode(ctx, orderID, models.PurposeHandoffConfirmation)

	res := &Result{Order: updated}
	subject, body := deliveredMessage(updated)
	s.send(ctx, res, s.buyerEvent(ctx, updated, models.NotificationOrderDelivered, subject, body))
	return res, nil
}

// MarkPaid records the payment collaborator's confirmation.
func (s *Service) MarkPaid(ctx context.Context, actor Actor, orderID string, payment models.PaymentResult) (*Result, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleUser); err != nil {
		return nil, err
	}
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Is(models.RoleUser) && order.UserID != actor.UserID {
		return nil, apperr.Unauthorized("not your order")
	}

	updated, err := s.ledger.MarkPaid(ctx, orderID, payment, s.now())
	if err != nil {
		return nil, err
	}

	res := &Result{Order: updated}
	subject, body := paidMessage(updated)
	s.send(ctx, res, s.buyerEvent(ctx, updated, models.NotificationPaymentConfirmed, subject, body, notify.ChannelPush, notify.ChannelEmail))
	return res, nil
}

// Hide removes the order from the buyer's history without deleting it.
func (s *Service) Hide(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	if err := requireRole(actor, models.RoleUser); err != nil {
		return nil, err
	}
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != actor.UserID {
		return nil, apperr.Unauthorized("not your order")
	}
	return s.ledger.Hide(ctx, orderID)
}

// DeliveryOrders lists the orders assigned or offered to the calling partner.
func (s *Service) DeliveryOrders(ctx context.Context, actor Actor) ([]*models.Order, error) {
	if err := requireRole(actor, models.RoleDelivery); err != nil {
		return nil, err
	}
	return s.ledger.ListByDeliveryPartner(ctx, actor.UserID)
}

func (s *Service) assignedOrder(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	order, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DeliveryPartnerID != actor.UserID {
		return nil, apperr.Unauthorized("order is not assigned to you")
	}
	return order, nil
}

func (s *Service) apply(ctx context.Context, orderID string, c ledger.Change) (*models.Order, error) {
	c.At = s.now()
	order, err := s.ledger.Apply(ctx, orderID, c)
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.metrics.Conflict()
		}
		return nil, err
	}
	s.metrics.Transition(string(order.DeliveryStatus))
	return order, nil
}

func (s *Service) redeem(ctx context.Context, orderID string, purpose models.CodePurpose, code string) error {
	err := s.codes.Redeem(ctx, orderID, purpose, code)
	result := "ok"
	if err != nil {
		result = apperr.KindOf(err).String()
	}
	s.metrics.Redemption(string(purpose), result)
	return err
}

// discardCode drops outstanding codes after the order moved past the handoff
// they were issued for. A failure only leaves a code that can no longer be
// redeemed against a matching status.
func (s *Service) discardCode(ctx context.Context, orderID string, purpose models.CodePurpose) {
	if _, err := s.codes.Invalidate(ctx, orderID, purpose); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": orderID,
			"purpose":  purpose,
		}).Warn("Failed to invalidate codes")
	}
}

// buyerContact prefers the buyer's account details and falls back to the
// phone on the shipping address.
func (s *Service) buyerContact(ctx context.Context, order *models.Order) notify.Contact {
	var contact notify.Contact
	buyer, err := s.directory.User(ctx, order.UserID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", order.UserID).Warn("Buyer lookup failed, using shipping phone")
	} else {
		contact.Email = buyer.Email
		contact.Phone = buyer.Phone
	}
	if contact.Phone == "" {
		contact.Phone = order.ShippingAddress.Phone
	}
	return contact
}

func (s *Service) buyerEvent(ctx context.Context, order *models.Order, kind models.NotificationType, subject, body string, channels ...notify.Channel) notify.Event {
	return notify.Event{
		RecipientID: order.UserID,
		OrderID:     order.ID,
		Kind:        kind,
		Subject:     subject,
		Message:     body,
		Contact:     s.buyerContact(ctx, order),
		Channels:    channels,
	}
}

func (s *Service) send(ctx context.Context, res *Result, ev notify.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":     ev.OrderID,
			"recipient_id": ev.RecipientID,
			"kind":         ev.Kind,
		}).Warn("Order changed but notification was not saved")
		res.Warnings = append(res.Warnings, WarningNotificationNotSaved)
	}
}
