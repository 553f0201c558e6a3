package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, tenantID, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, tenantID, "test.topic", []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.TenantID != tenantID {
			t.Errorf("expected tenantID '%s', got '%s'", tenantID, receivedMsg.TenantID)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "tenant-001"
		tenant2 := "tenant-002"

		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, tenant1, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, tenant2, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		// Publish to tenant1
		bus.Publish(ctx, tenant1, "isolation.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("tenant1 should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("tenant2 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := bus.Publish(ctx, "", "topic", []byte("data"))
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	tenantID := "tenant-001"

	bus.Subscribe(ctx, tenantID, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, tenantID, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, tenantID, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, tenantID, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestPublishEvent(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *domain.Message, 1)

	_, err := bus.Subscribe(ctx, "tenant-001", domain.TopicTransactionUpdated, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := domain.TransactionEvent{TxID: "tx-001", TenantID: "tenant-001", EnforceMissingTagDetail: true}
	if err := PublishEvent(ctx, bus, "tenant-001", domain.TopicTransactionUpdated, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-received:
		got, err := DecodeEvent[domain.TransactionEvent](msg)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if got != event {
			t.Errorf("expected %+v, got %+v", event, got)
		}
		if _, ok := msg.Metadata[MetaTraceID]; ok {
			t.Error("expected no trace metadata without a span")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestDecodeEventErrors(t *testing.T) {
	if _, err := DecodeEvent[domain.PolicyEvent](nil); err == nil {
		t.Error("expected error for nil message")
	}
	msg := &domain.Message{Topic: domain.TopicPolicyUpdated, Payload: []byte("not json")}
	if _, err := DecodeEvent[domain.PolicyEvent](msg); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestTraceMetadataRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	meta := metadataFromContext(ctx)
	if meta[MetaTraceID] != traceID.String() || meta[MetaSpanID] != spanID.String() {
		t.Fatalf("unexpected metadata: %v", meta)
	}

	restored := trace.SpanContextFromContext(ContextWithMessage(context.Background(), &domain.Message{Metadata: meta}))
	if restored.TraceID() != traceID {
		t.Errorf("expected trace %s, got %s", traceID, restored.TraceID())
	}
	if !restored.IsRemote() {
		t.Error("expected remote span context")
	}

	plain := ContextWithMessage(context.Background(), &domain.Message{})
	if trace.SpanContextFromContext(plain).IsValid() {
		t.Error("expected no span context from empty metadata")
	}
}

func TestChannelBusAllTenants(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan string, 2)

	_, err := bus.Subscribe(ctx, AllTenants, "wild.topic", func(ctx context.Context, msg *domain.Message) error {
		received <- msg.TenantID
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(ctx, "tenant-a", "wild.topic", []byte(`{}`))
	bus.Publish(ctx, "tenant-b", "wild.topic", []byte(`{}`))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case tenant := <-received:
			got[tenant] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard delivery")
		}
	}
	if !got["tenant-a"] || !got["tenant-b"] {
		t.Errorf("expected messages from both tenants, got %v", got)
	}
}

func TestChannelBusSubscriptionLifecycle(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	subscribers := func(key string) int {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subscriptions[key])
	}
	noop := func(ctx context.Context, msg *domain.Message) error { return nil }

	t.Run("UnsubscribeRemovesSubscription", func(t *testing.T) {
		sub, err := bus.Subscribe(context.Background(), "tenant-001", "life.topic", noop)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		if n := subscribers(bus.makeKey("tenant-001", "life.topic")); n != 1 {
			t.Fatalf("expected 1 subscriber, got %d", n)
		}

		sub.Unsubscribe()
		sub.Unsubscribe()

		if n := subscribers(bus.makeKey("tenant-001", "life.topic")); n != 0 {
			t.Errorf("expected 0 subscribers after unsubscribe, got %d", n)
		}
	})

	t.Run("ContextCancelEndsSubscription", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		if _, err := bus.Subscribe(ctx, "tenant-001", "ctx.topic", noop); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		cancel()

		deadline := time.Now().Add(time.Second)
		for subscribers(bus.makeKey("tenant-001", "ctx.topic")) != 0 {
			if time.Now().After(deadline) {
				t.Fatal("subscription not removed after context cancel")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("RejectsInvalidTenant", func(t *testing.T) {
		ctx := context.Background()
		if err := bus.Publish(ctx, AllTenants, "topic", nil); err == nil {
			t.Error("expected error publishing to all tenants")
		}
		if err := bus.Publish(ctx, "acme.eu", "topic", nil); err == nil {
			t.Error("expected error for tenant containing a dot")
		}
		if _, err := bus.Subscribe(ctx, "acme>", "topic", noop); err == nil {
			t.Error("expected error for tenant containing a wildcard")
		}
	})
}
