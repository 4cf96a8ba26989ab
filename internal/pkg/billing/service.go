package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/inboxpilot/inboxpilot/app/models"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"
)

// errOrphaned marks references to subscriptions we have no record of.
var errOrphaned = errors.New("billing: unknown subscription")

// Service reconciles Stripe webhook deliveries into local billing records.
type Service struct {
	repo      Repository
	secret    string
	tolerance time.Duration
	recorder  Recorder
}

// Recorder counts webhook outcomes; counter.Counter implements it.
type Recorder interface {
	Incr(ctx context.Context, field string) error
}

type Option func(*Service)

// WithRecorder counts every verified delivery by outcome.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithSignatureTolerance sets how old a signed delivery may be.
func WithSignatureTolerance(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, webhookSecret string, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		secret:    webhookSecret,
		tolerance: DefaultSignatureTolerance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, webhookSecret string, opts ...Option) *Service {
	return NewService(NewRepository(db), webhookSecret, opts...)
}

// HandleWebhook verifies and applies one Stripe delivery. It returns an
// error only for signature problems (ErrSignatureInvalid, ErrInvalidEvent)
// and storage failures; in the latter case Stripe should redeliver.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*Result, error) {
	event, err := VerifyStripeEvent(payload, signatureHeader, s.secret, s.tolerance)
	if err != nil {
		return nil, err
	}

	result := &Result{EventID: event.ID, EventType: string(event.Type)}

	firstDelivery, err := s.repo.RecordWebhookEvent(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(payload),
	})
	if err != nil {
		result.Outcome = models.WebhookOutcomeFailed
		s.record(ctx, result.Outcome)
		return result, fmt.Errorf("billing: record webhook event %s: %w", event.ID, err)
	}

	outcome, routeErr := s.route(ctx, event)
	result.Outcome = outcome
	s.record(ctx, outcome)

	processingError := ""
	if routeErr != nil {
		processingError = routeErr.Error()
	}
	// A redelivery that changed nothing keeps the outcome of the first one.
	if firstDelivery || outcome != models.WebhookOutcomeDuplicate {
		if err := s.repo.MarkWebhookProcessed(ctx, models.BillingProviderStripe, event.ID, outcome, processingError); err != nil {
			fiberlog.Errorf("billing: mark webhook %s processed: %v", event.ID, err)
		}
	}

	if routeErr != nil {
		fiberlog.Errorf("billing: webhook %s (%s) failed: %v", event.ID, event.Type, routeErr)
		return result, routeErr
	}
	fiberlog.Infof("billing: webhook %s (%s) %s", event.ID, event.Type, outcome)
	return result, nil
}

func (s *Service) route(ctx context.Context, event stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			fiberlog.Warnf("billing: webhook %s: undecodable checkout session: %v", event.ID, err)
			return models.WebhookOutcomeRejected, nil
		}
		return s.applyCheckoutSession(ctx, event.ID, &session)
	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			fiberlog.Warnf("billing: webhook %s: undecodable invoice: %v", event.ID, err)
			return models.WebhookOutcomeRejected, nil
		}
		return s.applyInvoice(ctx, event.ID, &invoice)
	case stripe.EventTypeCustomerSubscriptionUpdated, stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			fiberlog.Warnf("billing: webhook %s: undecodable subscription: %v", event.ID, err)
			return models.WebhookOutcomeRejected, nil
		}
		return s.applySubscriptionChange(ctx, event, &sub)
	default:
		return models.WebhookOutcomeIgnored, nil
	}
}

func (s *Service) applyCheckoutSession(ctx context.Context, eventID string, session *stripe.CheckoutSession) (string, error) {
	if session.ID == "" {
		fiberlog.Warnf("billing: webhook %s: checkout session without id", eventID)
		return models.WebhookOutcomeRejected, nil
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// Delayed payment methods complete later with their own event.
		return models.WebhookOutcomeIgnored, nil
	}

	userID, ok := checkoutOwner(session)
	if !ok {
		fiberlog.Warnf("billing: webhook %s: checkout session %s has no resolvable user", eventID, session.ID)
		return models.WebhookOutcomeRejected, nil
	}

	txn := &models.BillingTransaction{
		UserID:       userID,
		Amount:       session.AmountTotal,
		Currency:     strings.ToLower(string(session.Currency)),
		ExternalID:   session.ID,
		MetadataJSON: metadataJSON(session.Metadata),
	}

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		txn.Kind = models.TransactionKindOneTime
		created, err := s.repo.CreateTransactionIfNotExists(ctx, txn)
		if err != nil {
			return models.WebhookOutcomeFailed, fmt.Errorf("billing: record checkout %s: %w", session.ID, err)
		}
		return createdOutcome(created), nil

	case stripe.CheckoutSessionModeSubscription:
		if session.Subscription == nil || session.Subscription.ID == "" {
			fiberlog.Warnf("billing: webhook %s: subscription checkout %s without subscription id", eventID, session.ID)
			return models.WebhookOutcomeRejected, nil
		}
		txn.Kind = models.TransactionKindSubscription

		created := false
		err := s.repo.Transaction(ctx, func(repo Repository) error {
			sub := &models.BillingSubscription{
				UserID:       userID,
				ExternalID:   session.Subscription.ID,
				Status:       models.BillingStatusActive,
				MetadataJSON: metadataJSON(session.Metadata),
			}
			if _, err := repo.EnsureSubscription(ctx, sub); err != nil {
				return err
			}
			if sub.UserID != userID {
				fiberlog.Warnf("billing: subscription %s belongs to user %d, checkout %s names user %d",
					sub.ExternalID, sub.UserID, session.ID, userID)
			}
			txn.SubscriptionID = &sub.ID
			var err error
			created, err = repo.CreateTransactionIfNotExists(ctx, txn)
			return err
		})
		if err != nil {
			return models.WebhookOutcomeFailed, fmt.Errorf("billing: record subscription checkout %s: %w", session.ID, err)
		}
		return createdOutcome(created), nil

	default:
		return models.WebhookOutcomeIgnored, nil
	}
}

func (s *Service) applyInvoice(ctx context.Context, eventID string, invoice *stripe.Invoice) (string, error) {
	if invoice.ID == "" {
		fiberlog.Warnf("billing: webhook %s: invoice without id", eventID)
		return models.WebhookOutcomeRejected, nil
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return models.WebhookOutcomeIgnored, nil
	}
	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		// The first invoice is paid through checkout, which already recorded it.
		return models.WebhookOutcomeIgnored, nil
	}

	created := false
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		sub, err := repo.GetSubscriptionByExternalID(ctx, invoice.Subscription.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errOrphaned
			}
			return err
		}
		created, err = repo.CreateTransactionIfNotExists(ctx, &models.BillingTransaction{
			UserID:         sub.UserID,
			Amount:         invoice.AmountPaid,
			Currency:       strings.ToLower(string(invoice.Currency)),
			Kind:           models.TransactionKindInvoice,
			ExternalID:     invoice.ID,
			SubscriptionID: &sub.ID,
			MetadataJSON:   metadataJSON(invoice.Metadata),
		})
		return err
	})
	if errors.Is(err, errOrphaned) {
		fiberlog.Warnf("billing: webhook %s: invoice %s references unknown subscription %s",
			eventID, invoice.ID, invoice.Subscription.ID)
		return models.WebhookOutcomeOrphaned, nil
	}
	if err != nil {
		return models.WebhookOutcomeFailed, fmt.Errorf("billing: record invoice %s: %w", invoice.ID, err)
	}
	return createdOutcome(created), nil
}

func (s *Service) applySubscriptionChange(ctx context.Context, event stripe.Event, sub *stripe.Subscription) (string, error) {
	if sub.ID == "" {
		fiberlog.Warnf("billing: webhook %s: subscription without id", event.ID)
		return models.WebhookOutcomeRejected, nil
	}
	status := string(sub.Status)
	if event.Type == stripe.EventTypeCustomerSubscriptionDeleted || status == "" {
		status = models.BillingStatusCanceled
	}

	// Stripe does not order deliveries; the event creation time decides.
	eventAt := time.Unix(event.Created, 0).UTC()
	applied, err := s.repo.UpdateSubscriptionStatus(ctx, sub.ID, status, metadataJSON(sub.Metadata), eventAt)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fiberlog.Warnf("billing: webhook %s: status change for unknown subscription %s", event.ID, sub.ID)
		return models.WebhookOutcomeOrphaned, nil
	}
	if err != nil {
		return models.WebhookOutcomeFailed, fmt.Errorf("billing: update subscription %s: %w", sub.ID, err)
	}
	if !applied {
		fiberlog.Infof("billing: webhook %s: stale status %q for subscription %s skipped", event.ID, status, sub.ID)
		return models.WebhookOutcomeIgnored, nil
	}
	return models.WebhookOutcomeApplied, nil
}

func (s *Service) record(ctx context.Context, outcome string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Incr(context.WithoutCancel(ctx), outcome); err != nil {
		fiberlog.Warnf("billing: record outcome %s: %v", outcome, err)
	}
}

// Balance summarizes a user's payments and subscriptions.
func (s *Service) Balance(ctx context.Context, userID uint) (*Balance, error) {
	totals, err := s.repo.SumTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: sum transactions: %w", err)
	}
	subs, err := s.repo.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: list subscriptions: %w", err)
	}

	balance := &Balance{Totals: totals, Subscriptions: subs}
	if balance.Totals == nil {
		balance.Totals = []CurrencyTotal{}
	}
	if balance.Subscriptions == nil {
		balance.Subscriptions = []models.BillingSubscription{}
	}
	for i := range subs {
		if subs[i].IsEntitling() {
			balance.ActiveSubscription = true
			break
		}
	}
	return balance, nil
}

// checkoutOwner reads the local user id from client_reference_id, falling
// back to metadata.user_id.
func checkoutOwner(session *stripe.CheckoutSession) (uint, bool) {
	if id, ok := parseUserID(session.ClientReferenceID); ok {
		return id, true
	}
	if session.Metadata != nil {
		return parseUserID(session.Metadata["user_id"])
	}
	return 0, false
}

func parseUserID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func createdOutcome(created bool) string {
	if created {
		return models.WebhookOutcomeApplied
	}
	return models.WebhookOutcomeDuplicate
}

func metadataJSON(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(raw)
}
