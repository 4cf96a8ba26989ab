package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inboxpilot/inboxpilot/app/models"
	"github.com/inboxpilot/inboxpilot/internal/pkg/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const testSecret = "whsec_test_secret"

func signedDelivery(t *testing.T, eventID string, eventType stripe.EventType, object map[string]any) ([]byte, string) {
	t.Helper()
	return signedDeliveryCreatedAt(t, eventID, eventType, object, time.Now())
}

// signedDeliveryCreatedAt signs a delivery now for an event created at created.
func signedDeliveryCreatedAt(t *testing.T, eventID string, eventType stripe.EventType, object map[string]any, created time.Time) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        string(eventType),
		"api_version": stripe.APIVersion,
		"created":     created.Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func paymentCheckout(sessionID string, userID string) map[string]any {
	return map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"mode":                "payment",
		"payment_status":      "paid",
		"client_reference_id": userID,
		"amount_total":        1500,
		"currency":            "eur",
	}
}

func subscriptionCheckout(sessionID, subID, userID string) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"mode":           "subscription",
		"payment_status": "paid",
		"subscription":   subID,
		"metadata":       map[string]string{"user_id": userID},
		"amount_total":   990,
		"currency":       "usd",
	}
}

func invoiceObject(invoiceID, subID, reason string) map[string]any {
	return map[string]any{
		"id":             invoiceID,
		"object":         "invoice",
		"subscription":   subID,
		"billing_reason": reason,
		"amount_paid":    990,
		"currency":       "usd",
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	return NewServiceFromDB(db, testSecret), db
}

func TestHandleWebhook_BadSignatureWritesNothing(t *testing.T) {
	svc, db := newTestService(t)
	payload, _ := signedDelivery(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted, paymentCheckout("cs_1", "1"))

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
	})

	for _, header := range []string{forged.Header, "", "t=123,v1=deadbeef"} {
		_, err := svc.HandleWebhook(context.Background(), payload, header)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	}

	assert.Zero(t, dbtest.Count(t, db, &models.BillingWebhookEvent{}))
	assert.Zero(t, dbtest.Count(t, db, &models.BillingTransaction{}))
	assert.Zero(t, dbtest.Count(t, db, &models.BillingSubscription{}))
}

func TestHandleWebhook_StaleSignatureRejected(t *testing.T) {
	svc, db := newTestService(t)
	payload, err := json.Marshal(map[string]any{"id": "evt_old", "object": "event", "type": "checkout.session.completed", "data": map[string]any{"object": paymentCheckout("cs_old", "1")}})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now().Add(-time.Hour),
	})

	_, err = svc.HandleWebhook(context.Background(), signed.Payload, signed.Header)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Zero(t, dbtest.Count(t, db, &models.BillingWebhookEvent{}))
}

func TestHandleWebhook_OneTimeCheckoutDeliveredTwice(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	payload, header := signedDelivery(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted, paymentCheckout("cs_1", "7"))

	first, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, first.Outcome)

	second, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeDuplicate, second.Outcome)
	assert.True(t, second.Duplicate())

	var txns []models.BillingTransaction
	require.NoError(t, db.Where("external_id = ?", "cs_1").Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, uint(7), txns[0].UserID)
	assert.Equal(t, int64(1500), txns[0].Amount)
	assert.Equal(t, "eur", txns[0].Currency)
	assert.Equal(t, models.TransactionKindOneTime, txns[0].Kind)
	assert.Nil(t, txns[0].SubscriptionID)

	var audit models.BillingWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_1").First(&audit).Error)
	assert.Equal(t, models.WebhookOutcomeApplied, audit.Outcome)
	assert.NotNil(t, audit.ProcessedAt)
	assert.Equal(t, int64(1), dbtest.Count(t, db, &models.BillingWebhookEvent{}))
}

func TestHandleWebhook_SameSessionUnderNewEventID(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for _, eventID := range []string{"evt_a", "evt_b"} {
		payload, header := signedDelivery(t, eventID, stripe.EventTypeCheckoutSessionCompleted, paymentCheckout("cs_1", "7"))
		_, err := svc.HandleWebhook(ctx, payload, header)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), dbtest.Count(t, db, &models.BillingTransaction{}))
	assert.Equal(t, int64(2), dbtest.Count(t, db, &models.BillingWebhookEvent{}))
}

func TestHandleWebhook_SubscriptionCheckoutReplayed(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	payload, header := signedDelivery(t, "evt_sub", stripe.EventTypeCheckoutSessionCompleted, subscriptionCheckout("cs_2", "sub_1", "3"))

	for i := 0; i < 5; i++ {
		_, err := svc.HandleWebhook(ctx, payload, header)
		require.NoError(t, err)
	}

	var subs []models.BillingSubscription
	require.NoError(t, db.Find(&subs).Error)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_1", subs[0].ExternalID)
	assert.Equal(t, uint(3), subs[0].UserID)
	assert.Equal(t, models.BillingStatusActive, subs[0].Status)

	var txns []models.BillingTransaction
	require.NoError(t, db.Find(&txns).Error)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TransactionKindSubscription, txns[0].Kind)
	require.NotNil(t, txns[0].SubscriptionID)
	assert.Equal(t, subs[0].ID, *txns[0].SubscriptionID)
}

func TestHandleWebhook_ConcurrentRedeliveryCreatesOneTransaction(t *testing.T) {
	svc, db := newTestService(t)
	payload, header := signedDelivery(t, "evt_c", stripe.EventTypeCheckoutSessionCompleted, subscriptionCheckout("cs_c", "sub_c", "9"))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := svc.HandleWebhook(context.Background(), payload, header)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), dbtest.Count(t, db, &models.BillingTransaction{}))
	assert.Equal(t, int64(1), dbtest.Count(t, db, &models.BillingSubscription{}))
}

func TestHandleWebhook_InvoiceForUnknownSubscriptionIsOrphaned(t *testing.T) {
	svc, db := newTestService(t)
	payload, header := signedDelivery(t, "evt_inv", stripe.EventTypeInvoicePaid, invoiceObject("in_1", "sub_missing", "subscription_cycle"))

	res, err := svc.HandleWebhook(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeOrphaned, res.Outcome)
	assert.Zero(t, dbtest.Count(t, db, &models.BillingTransaction{}))
	assert.Zero(t, dbtest.Count(t, db, &models.BillingSubscription{}))

	var audit models.BillingWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_inv").First(&audit).Error)
	assert.Equal(t, models.WebhookOutcomeOrphaned, audit.Outcome)
}

func TestHandleWebhook_RenewalInvoiceLinksToSubscription(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	payload, header := signedDelivery(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted, subscriptionCheckout("cs_1", "sub_1", "4"))
	_, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)

	payload, header = signedDelivery(t, "evt_2", stripe.EventTypeInvoicePaid, invoiceObject("in_first", "sub_1", "subscription_create"))
	res, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeIgnored, res.Outcome)

	payload, header = signedDelivery(t, "evt_3", stripe.EventTypeInvoicePaid, invoiceObject("in_2", "sub_1", "subscription_cycle"))
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, res.Outcome)

	// Stripe sends both invoice events for the same payment.
	payload, header = signedDelivery(t, "evt_4", stripe.EventTypeInvoicePaymentSucceeded, invoiceObject("in_2", "sub_1", "subscription_cycle"))
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeDuplicate, res.Outcome)

	var txn models.BillingTransaction
	require.NoError(t, db.Where("external_id = ?", "in_2").First(&txn).Error)
	assert.Equal(t, uint(4), txn.UserID)
	assert.Equal(t, models.TransactionKindInvoice, txn.Kind)
	assert.Equal(t, int64(2), dbtest.Count(t, db, &models.BillingTransaction{}))
}

func TestHandleWebhook_SubscriptionStatusChanges(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	payload, header := signedDelivery(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted, subscriptionCheckout("cs_1", "sub_1", "4"))
	_, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)

	payload, header = signedDelivery(t, "evt_2", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "past_due",
	})
	res, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, res.Outcome)

	var sub models.BillingSubscription
	require.NoError(t, db.Where("external_id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, models.BillingStatusPastDue, sub.Status)

	payload, header = signedDelivery(t, "evt_3", stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "canceled",
	})
	_, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	require.NoError(t, db.Where("external_id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, models.BillingStatusCanceled, sub.Status)

	payload, header = signedDelivery(t, "evt_4", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id": "sub_unknown", "object": "subscription", "status": "active",
	})
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeOrphaned, res.Outcome)
	assert.Equal(t, int64(1), dbtest.Count(t, db, &models.BillingSubscription{}))
}

func TestHandleWebhook_OlderStatusEventDoesNotReviveCanceledSubscription(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	payload, header := signedDeliveryCreatedAt(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted, subscriptionCheckout("cs_1", "sub_1", "4"), base)
	_, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)

	payload, header = signedDeliveryCreatedAt(t, "evt_3", stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "canceled",
	}, base.Add(2*time.Minute))
	res, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, res.Outcome)

	// evt_2 was created before evt_3 but arrives after it.
	payload, header = signedDeliveryCreatedAt(t, "evt_2", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "active",
	}, base.Add(time.Minute))
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeIgnored, res.Outcome)

	var sub models.BillingSubscription
	require.NoError(t, db.Where("external_id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, models.BillingStatusCanceled, sub.Status)
	assert.False(t, sub.IsEntitling())
	require.NotNil(t, sub.LastEventAt)
	assert.Equal(t, base.Add(2*time.Minute).Unix(), sub.LastEventAt.Unix())

	var audit models.BillingWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_2").First(&audit).Error)
	assert.Equal(t, models.WebhookOutcomeIgnored, audit.Outcome)

	balance, err := svc.Balance(ctx, 4)
	require.NoError(t, err)
	assert.False(t, balance.ActiveSubscription)

	// A newer event still applies.
	payload, header = signedDeliveryCreatedAt(t, "evt_4", stripe.EventTypeCustomerSubscriptionUpdated, map[string]any{
		"id": "sub_1", "object": "subscription", "status": "active",
	}, base.Add(3*time.Minute))
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, res.Outcome)
	require.NoError(t, db.Where("external_id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, models.BillingStatusActive, sub.Status)
}

func TestDeletingSubscriptionKeepsItsTransactions(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	payload, header := signedDelivery(t, "evt_1", stripe.EventTypeCheckoutSessionCompleted, subscriptionCheckout("cs_1", "sub_1", "4"))
	_, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)

	var sub models.BillingSubscription
	require.NoError(t, db.Where("external_id = ?", "sub_1").First(&sub).Error)
	require.NoError(t, db.Delete(&sub).Error)

	var txn models.BillingTransaction
	require.NoError(t, db.Where("external_id = ?", "cs_1").First(&txn).Error)
	assert.Nil(t, txn.SubscriptionID)
	assert.Equal(t, uint(4), txn.UserID)
	assert.Equal(t, int64(990), txn.Amount)
	assert.Zero(t, dbtest.Count(t, db, &models.BillingSubscription{}))
}

func TestHandleWebhook_IgnoredAndRejectedDeliveries(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	payload, header := signedDelivery(t, "evt_x", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	res, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeIgnored, res.Outcome)

	payload, header = signedDelivery(t, "evt_y", stripe.EventTypeCheckoutSessionCompleted, paymentCheckout("cs_anon", ""))
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeRejected, res.Outcome)

	unpaid := paymentCheckout("cs_unpaid", "1")
	unpaid["payment_status"] = "unpaid"
	payload, header = signedDelivery(t, "evt_z", stripe.EventTypeCheckoutSessionCompleted, unpaid)
	res, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeIgnored, res.Outcome)

	assert.Zero(t, dbtest.Count(t, db, &models.BillingTransaction{}))
	assert.Equal(t, int64(3), dbtest.Count(t, db, &models.BillingWebhookEvent{}))
}

func TestHandleWebhook_OwnerFromMetadataFallback(t *testing.T) {
	svc, db := newTestService(t)
	obj := paymentCheckout("cs_meta", "not-a-number")
	obj["metadata"] = map[string]string{"user_id": "12"}
	payload, header := signedDelivery(t, "evt_m", stripe.EventTypeCheckoutSessionCompleted, obj)

	_, err := svc.HandleWebhook(context.Background(), payload, header)
	require.NoError(t, err)

	var txn models.BillingTransaction
	require.NoError(t, db.Where("external_id = ?", "cs_meta").First(&txn).Error)
	assert.Equal(t, uint(12), txn.UserID)
}

type failingRepo struct {
	Repository
}

func (f failingRepo) CreateTransactionIfNotExists(context.Context, *models.BillingTransaction) (bool, error) {
	return false, errors.New("connection reset")
}

func TestHandleWebhook_StorageFailureIsRetryable(t *testing.T) {
	db := dbtest.Open(t)
	svc := NewService(failingRepo{Repository: NewRepository(db)}, testSecret)
	payload, header := signedDelivery(t, "evt_f", stripe.EventTypeCheckoutSessionCompleted, paymentCheckout("cs_f", "1"))

	res, err := svc.HandleWebhook(context.Background(), payload, header)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, models.WebhookOutcomeFailed, res.Outcome)

	var audit models.BillingWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_f").First(&audit).Error)
	assert.Equal(t, models.WebhookOutcomeFailed, audit.Outcome)
	assert.Contains(t, audit.ProcessingError, "connection reset")

	// A redelivery against a healthy store applies the payment.
	healthy := NewServiceFromDB(db, testSecret)
	res, err = healthy.HandleWebhook(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeApplied, res.Outcome)
}

func TestBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i, obj := range []map[string]any{
		paymentCheckout("cs_1", "5"),
		paymentCheckout("cs_2", "5"),
		subscriptionCheckout("cs_3", "sub_1", "5"),
		paymentCheckout("cs_4", "6"),
	} {
		payload, header := signedDelivery(t, "evt_"+string(rune('a'+i)), stripe.EventTypeCheckoutSessionCompleted, obj)
		_, err := svc.HandleWebhook(ctx, payload, header)
		require.NoError(t, err)
	}

	balance, err := svc.Balance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []CurrencyTotal{
		{Currency: "eur", Credits: 3000, Total: 3000},
		{Currency: "usd", Credits: 0, Total: 990},
	}, balance.Totals)
	assert.True(t, balance.ActiveSubscription)
	require.Len(t, balance.Subscriptions, 1)

	empty, err := svc.Balance(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty.Totals)
	assert.False(t, empty.ActiveSubscription)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) Incr(_ context.Context, field string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, field)
	return nil
}

func TestHandleWebhook_RecordsOutcomes(t *testing.T) {
	rec := &outcomeRecorder{}
	svc := NewServiceFromDB(dbtest.Open(t), testSecret, WithRecorder(rec))
	ctx := context.Background()

	payload, header := signedDelivery(t, "evt_r1", stripe.EventTypeCheckoutSessionCompleted, paymentCheckout("cs_r1", "4"))
	_, err := svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)
	_, err = svc.HandleWebhook(ctx, payload, header)
	require.NoError(t, err)

	// Unverified deliveries are not counted.
	_, err = svc.HandleWebhook(ctx, payload, "t=1,v1=00")
	require.ErrorIs(t, err, ErrSignatureInvalid)

	assert.Equal(t, []string{models.WebhookOutcomeApplied, models.WebhookOutcomeDuplicate}, rec.outcomes)
}
