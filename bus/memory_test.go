package bus

import (
	"fmt"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"notify", false},
		{"notify.user.u-1", false},
		{"heartbeat.*", false},
		{"", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"notify.user.u-1", "notify.user.u-1", true},
		{"notify.user.u-1", "notify.user.u-2", false},
		{"notify.user.*", "notify.user.u-2", true},
		{"heartbeat.*", "heartbeat.worker-1", true},
		{"heartbeat.*", "notify.user.u-1", false},
	}

	for _, tt := range tests {
		if got := subjectMatches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_Publish(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Publish without subscribers should not error
	err := bus.Publish("notify.user.u-1", []byte("hello"))
	if err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	err := bus.Publish("", []byte("hello"))
	if err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("notify.user.u-1")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("notify.user.u-1", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "notify.user.u-1" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("notify.user.*")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("notify.user.u-7", []byte("event"))

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "notify.user.u-7" {
			t.Errorf("subject = %q, want notify.user.u-7", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for wildcard message")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("notify.user.u-1")
	sub2, _ := bus.Subscribe("notify.user.u-1")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("notify.user.u-1", []byte("hello"))

	// Both should receive
	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, err := bus.QueueSubscribe("notify.user.u-1", "delivery")
		if err != nil {
			t.Fatalf("QueueSubscribe error: %v", err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// Each message is delivered to exactly one queue member
	const n = 9
	for i := 0; i < n; i++ {
		bus.Publish("notify.user.u-1", []byte(fmt.Sprintf("msg-%d", i)))
	}

	received := 0
	deadline := time.After(time.Second)
	for received < n {
		progressed := false
		for _, sub := range subs {
			select {
			case <-sub.Messages():
				received++
				progressed = true
			default:
			}
		}
		if !progressed {
			select {
			case <-deadline:
				t.Fatalf("received %d of %d queued messages", received, n)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func TestMemoryBus_QueueRequiresName(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	_, err := bus.QueueSubscribe("notify.user.u-1", "")
	if err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject for empty queue, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("notify.user.u-1")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}

	// Channel should be closed
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for channel close")
	}

	// Double unsubscribe is a no-op
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())

	sub, _ := bus.Subscribe("notify.user.u-1")

	if err := bus.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Subscriptions are closed
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel after bus Close")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for channel close")
	}

	// Publish after close fails
	if err := bus.Publish("notify.user.u-1", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
