package settlement_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/usage-credits/credit"
	"github.com/warp/usage-credits/credit/store"
	"github.com/warp/usage-credits/settlement"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const secret = "whsec_test"

func checkoutPayload(t *testing.T, id string, metadata map[string]string) []byte {
	t.Helper()
	body := map[string]any{
		"id":   id,
		"type": settlement.EventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"amount_total":   1999,
				"currency":       "USD",
				"payment_status": "paid",
				"metadata":       metadata,
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func newProcessor() (*settlement.Processor, *credit.Ledger, *store.Memory) {
	mem := store.NewMemory()
	ledger := credit.NewLedger(mem)
	return settlement.NewProcessor(ledger, settlement.NewHMACVerifier(secret), mem), ledger, mem
}

// =============================================================================
// PARSE TESTS
// =============================================================================

func TestParseWebhook_Checkout(t *testing.T) {
	raw := checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1", "seconds_to_credit": "3600"})

	ev, err := settlement.ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, credit.PrincipalID("u-1"), ev.PrincipalID)
	assert.Equal(t, int64(3600), ev.SecondsToCredit)
	assert.True(t, ev.AmountPaid.Equal(decimal.RequireFromString("19.99")))
	assert.Equal(t, "usd", ev.Currency)
}

func TestFromMinorUnits(t *testing.T) {
	tests := []struct {
		currency string
		want     string
	}{
		{"usd", "19.99"},
		{"EUR", "19.99"},
		{"jpy", "1999"},
		{"KRW", "1999"},
		{"kwd", "1.999"},
	}
	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			got := settlement.FromMinorUnits(1999, tt.currency)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestParseWebhook_ZeroDecimalCurrency(t *testing.T) {
	raw := []byte(`{"id":"evt_jp","type":"checkout.session.completed","data":{"object":{` +
		`"amount_total":1200,"currency":"JPY","payment_status":"paid",` +
		`"metadata":{"principal_id":"u-1","seconds_to_credit":"600"}}}}`)

	ev, err := settlement.ParseWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "jpy", ev.Currency)
	assert.True(t, ev.AmountPaid.Equal(decimal.NewFromInt(1200)), "got %s", ev.AmountPaid)
}

func TestParseWebhook_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte(`{`)},
		{"missing id", []byte(`{"type":"checkout.session.completed"}`)},
		{"missing principal", checkoutPayload(t, "evt_1", map[string]string{"seconds_to_credit": "60"})},
		{"missing seconds", checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1"})},
		{"non-integer seconds", checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1", "seconds_to_credit": "1.5"})},
		{"zero seconds", checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1", "seconds_to_credit": "0"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := settlement.ParseWebhook(tt.raw)
			assert.ErrorIs(t, err, settlement.ErrMalformedEvent)
		})
	}
}

func TestParseWebhook_IgnoredTypes(t *testing.T) {
	_, err := settlement.ParseWebhook([]byte(`{"id":"evt_2","type":"invoice.created"}`))
	assert.ErrorIs(t, err, settlement.ErrIgnoredEvent)

	unpaid := []byte(`{"id":"evt_3","type":"checkout.session.completed","data":{"object":{"payment_status":"unpaid"}}}`)
	_, err = settlement.ParseWebhook(unpaid)
	assert.ErrorIs(t, err, settlement.ErrIgnoredEvent)
}

// =============================================================================
// VERIFY TESTS
// =============================================================================

func TestHMACVerifier(t *testing.T) {
	v := settlement.NewHMACVerifier(secret)
	body := []byte(`{"id":"evt_1"}`)

	assert.NoError(t, v.Verify(body, settlement.SignHex(secret, body)))
	assert.ErrorIs(t, v.Verify(body, settlement.SignHex("other", body)), settlement.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(body, "not-hex"), settlement.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(body, ""), settlement.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify([]byte(`{"id":"evt_2"}`), settlement.SignHex(secret, body)), settlement.ErrInvalidSignature)
}

// =============================================================================
// PROCESSOR TESTS
// =============================================================================

func TestProcessor_Handle_AppliesOnce(t *testing.T) {
	// GIVEN: A signed checkout delivery
	// WHEN: The provider delivers it three times
	// THEN: The balance is credited once; later deliveries report duplicate

	p, ledger, _ := newProcessor()
	ctx := context.Background()
	raw := checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1", "seconds_to_credit": "3600"})
	sig := settlement.SignHex(secret, raw)

	out, err := p.Handle(ctx, raw, sig)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusApplied, out.Status)
	assert.Equal(t, int64(3600), out.NewBalance)

	for i := 0; i < 2; i++ {
		out, err = p.Handle(ctx, raw, sig)
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusDuplicate, out.Status)
		assert.Equal(t, int64(3600), out.NewBalance)
	}

	balance, err := ledger.Peek(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), balance)
}

func TestProcessor_Handle_BadSignatureNotDeadLettered(t *testing.T) {
	p, ledger, mem := newProcessor()
	ctx := context.Background()
	raw := checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1", "seconds_to_credit": "60"})

	out, err := p.Handle(ctx, raw, settlement.SignHex("wrong", raw))
	assert.ErrorIs(t, err, settlement.ErrInvalidSignature)
	assert.Equal(t, settlement.StatusInvalidSignature, out.Status)

	_, err = ledger.Peek(ctx, "u-1")
	assert.ErrorIs(t, err, credit.ErrPrincipalNotFound)
	rejected, _ := mem.ListRejectedEvents(ctx, 0)
	assert.Empty(t, rejected)
}

func TestProcessor_Handle_MissingSecretIsUnavailable(t *testing.T) {
	// GIVEN: A processor whose verifier has no secret
	// WHEN: A delivery arrives
	// THEN: Unavailable (retry later), nothing credited or dead-lettered

	mem := store.NewMemory()
	ledger := credit.NewLedger(mem)
	p := settlement.NewProcessor(ledger, settlement.NewHMACVerifier(""), mem)
	ctx := context.Background()
	raw := checkoutPayload(t, "evt_1", map[string]string{"principal_id": "u-1", "seconds_to_credit": "60"})

	out, err := p.Handle(ctx, raw, settlement.SignHex(secret, raw))
	assert.ErrorIs(t, err, settlement.ErrSecretNotConfigured)
	assert.ErrorIs(t, err, credit.ErrUnavailable)
	assert.Equal(t, settlement.StatusFailed, out.Status)

	_, err = ledger.Peek(ctx, "u-1")
	assert.ErrorIs(t, err, credit.ErrPrincipalNotFound)
	rejected, _ := mem.ListRejectedEvents(ctx, 0)
	assert.Empty(t, rejected)
}

func TestProcessor_Handle_MalformedIsDeadLettered(t *testing.T) {
	// GIVEN: A correctly signed delivery without principal metadata
	// THEN: It is rejected, stored as a dead letter, and nothing is credited

	p, _, mem := newProcessor()
	ctx := context.Background()
	raw := checkoutPayload(t, "evt_bad", map[string]string{"seconds_to_credit": "60"})

	out, err := p.Handle(ctx, raw, settlement.SignHex(secret, raw))
	assert.ErrorIs(t, err, settlement.ErrMalformedEvent)
	assert.Equal(t, settlement.StatusRejected, out.Status)

	rejected, err := mem.ListRejectedEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "evt_bad", rejected[0].EventID)
	assert.Equal(t, raw, rejected[0].Payload)
	assert.Contains(t, rejected[0].Reason, "principal_id")
}

func TestProcessor_Handle_IgnoredType(t *testing.T) {
	p, _, mem := newProcessor()
	ctx := context.Background()
	raw := []byte(`{"id":"evt_9","type":"customer.created"}`)

	out, err := p.Handle(ctx, raw, settlement.SignHex(secret, raw))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusIgnored, out.Status)

	rejected, _ := mem.ListRejectedEvents(ctx, 0)
	assert.Empty(t, rejected)
}

func TestProcessor_Settle_ManualReplay(t *testing.T) {
	p, _, _ := newProcessor()
	ctx := context.Background()
	ev := settlement.Event{ID: "evt_manual", PrincipalID: "u-1", SecondsToCredit: 120}

	res, err := p.Settle(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = p.Settle(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(120), res.NewBalance)

	_, err = p.Settle(ctx, settlement.Event{ID: "evt_x", PrincipalID: "u-1"})
	assert.ErrorIs(t, err, settlement.ErrMalformedEvent)
}
