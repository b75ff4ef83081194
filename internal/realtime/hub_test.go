package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ckpay/platform/internal/billing"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventPaymentSucceeded, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventPaymentSucceeded, EventPaymentFailed},
	}}

	succeeded := &Event{Type: EventPaymentSucceeded}
	failed := &Event{Type: EventPaymentFailed}
	renewed := &Event{Type: EventSubscriptionRenewed}

	if !h.shouldSend(client, succeeded) {
		t.Error("Should receive payment_succeeded events")
	}
	if !h.shouldSend(client, failed) {
		t.Error("Should receive payment_failed events")
	}
	if h.shouldSend(client, renewed) {
		t.Error("Should NOT receive subscription_renewed events")
	}
}

func TestShouldSend_UnitFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UnitIDs: []string{"unit-1"},
	}}

	matching := &Event{
		Type: EventPaymentSucceeded,
		Data: map[string]interface{}{"unitId": "unit-1", "amount": uint64(100)},
	}
	notMatching := &Event{
		Type: EventPaymentSucceeded,
		Data: map[string]interface{}{"unitId": "unit-2", "amount": uint64(100)},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on unit ID")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other units")
	}
}

func TestShouldSend_TokenFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Tokens: []string{"ckBTC"},
	}}

	matching := &Event{
		Type: EventPaymentSucceeded,
		Data: map[string]interface{}{"token": "ckBTC"},
	}
	notMatching := &Event{
		Type: EventPaymentSucceeded,
		Data: map[string]interface{}{"token": "ckETH"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on token symbol")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other tokens")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: 1000,
	}}

	large := &Event{
		Type: EventPaymentSucceeded,
		Data: map[string]interface{}{"amount": uint64(1500)},
	}
	small := &Event{
		Type: EventPaymentSucceeded,
		Data: map[string]interface{}{"amount": uint64(500)},
	}
	cancelled := &Event{
		Type: EventSubscriptionCancelled,
		Data: map[string]interface{}{"subscriptionId": "sub_1"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large payment")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small payment")
	}
	if !h.shouldSend(client, cancelled) {
		t.Error("MinAmount filter should only apply to payment events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventPaymentSucceeded}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UnitIDs: []string{"unit-1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSubscriptionCreated,
		Data: "string data not a map",
	}

	// Unit filter skips non-map data (can't extract the unit ID), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when unit filter can't extract the unit ID")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventPaymentSucceeded, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventPaymentSucceeded,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": uint64(500)},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants withdrawals
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventWithdrawal}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a payment event (should be filtered out)
	h.Broadcast(&Event{Type: EventPaymentSucceeded, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive payment event")
	default:
		// Good - filtered out
	}

	// Send a withdrawal event (should be received)
	h.Broadcast(&Event{Type: EventWithdrawal, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive withdrawal event")
	}
}

func TestFeed_PublishesUnitID(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{UnitIDs: []string{"unit-1"}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	feed := NewFeed(h, "unit-1")
	feed.SubscriptionCancelled(ctx, &billing.Subscription{ID: "sub_1", PlanID: "plan_0"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client watching unit-1 should receive the feed event")
	}
}
