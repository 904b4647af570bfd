package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []store.Message
	denyLease map[int64]bool
	leaseErr  map[int64]error
	leased    []int64
	processed []int64
}

func (f *fakeSource) ReadPending(ctx context.Context, interfaceName, statusFilter string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Message, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeSource) AcquireLease(ctx context.Context, msgID int64, duration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.leaseErr[msgID]; err != nil {
		return false, err
	}
	if f.denyLease[msgID] {
		return false, nil
	}
	f.leased = append(f.leased, msgID)
	return true, nil
}

func (f *fakeSource) MarkProcessed(ctx context.Context, msgID int64, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, msgID)
	return nil
}

type fakeFanout struct {
	mu        sync.Mutex
	subs      map[int64][]string
	completed []string
	failed    []string
}

func (f *fakeFanout) PendingSubscribers(ctx context.Context, msgID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[msgID], nil
}

func (f *fakeFanout) Complete(ctx context.Context, msgID int64, subscriberName, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, fmt.Sprintf("%d/%s", msgID, subscriberName))
	return nil
}

func (f *fakeFanout) Fail(ctx context.Context, msgID int64, subscriberName, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, fmt.Sprintf("%d/%s", msgID, subscriberName))
	return nil
}

type fakeRetry struct {
	mu     sync.Mutex
	causes map[int64]string
}

func (f *fakeRetry) Fail(ctx context.Context, msg store.Message, cause string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.causes == nil {
		f.causes = make(map[int64]string)
	}
	f.causes[msg.ID] = cause
	return store.StatusError, nil
}

func testConfig() *config.Config {
	return &config.Config{
		LeaseTTL:      time.Minute,
		PollInterval:  10 * time.Millisecond,
		ReadBatchSize: 10,
	}
}

func TestConsumerDeliversToAllSubscribers(t *testing.T) {
	source := &fakeSource{pending: []store.Message{{ID: 1, InterfaceName: "orders"}}}
	fan := &fakeFanout{subs: map[int64][]string{1: {"dest-a", "dest-b"}}}
	rec := &fakeRetry{}

	var mu sync.Mutex
	var delivered []string
	handler := func(ctx context.Context, msg store.Message, subscriberName string) error {
		mu.Lock()
		delivered = append(delivered, subscriberName)
		mu.Unlock()
		return nil
	}

	c := NewConsumer("orders", source, fan, rec, nil, handler, testConfig(), nil, log.NewNop())
	worked, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %s", err)
	}
	if worked != 1 {
		t.Fatalf("expected 1 worked message, got %d", worked)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", delivered)
	}
	if len(fan.completed) != 2 {
		t.Errorf("expected 2 completed subscriptions, got %v", fan.completed)
	}
	if len(source.processed) != 1 || source.processed[0] != 1 {
		t.Errorf("message not marked processed: %v", source.processed)
	}
	if len(rec.causes) != 0 {
		t.Errorf("unexpected failure recorded: %v", rec.causes)
	}
}

func TestConsumerSkipsOnLeaseContention(t *testing.T) {
	source := &fakeSource{
		pending:   []store.Message{{ID: 7, InterfaceName: "orders"}},
		denyLease: map[int64]bool{7: true},
	}
	fan := &fakeFanout{subs: map[int64][]string{7: {"dest-a"}}}

	handlerCalled := false
	handler := func(ctx context.Context, msg store.Message, subscriberName string) error {
		handlerCalled = true
		return nil
	}

	c := NewConsumer("orders", source, fan, &fakeRetry{}, nil, handler, testConfig(), nil, log.NewNop())
	worked, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %s", err)
	}
	if worked != 0 {
		t.Errorf("lost lease race but worked %d messages", worked)
	}
	if handlerCalled {
		t.Error("handler invoked without holding the lease")
	}
}

func TestConsumerRecordsFailure(t *testing.T) {
	source := &fakeSource{pending: []store.Message{{ID: 3, InterfaceName: "orders", RetryCount: 0}}}
	fan := &fakeFanout{subs: map[int64][]string{3: {"dest-a", "dest-b"}}}
	rec := &fakeRetry{}

	handler := func(ctx context.Context, msg store.Message, subscriberName string) error {
		if subscriberName == "dest-b" {
			return errors.New("connection refused")
		}
		return nil
	}

	c := NewConsumer("orders", source, fan, rec, nil, handler, testConfig(), nil, log.NewNop())
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %s", err)
	}
	if len(fan.completed) != 1 || fan.completed[0] != "3/dest-a" {
		t.Errorf("healthy subscriber not completed: %v", fan.completed)
	}
	if len(fan.failed) != 1 || fan.failed[0] != "3/dest-b" {
		t.Errorf("failing subscriber not recorded: %v", fan.failed)
	}
	if len(source.processed) != 0 {
		t.Error("message marked processed despite a failed subscriber")
	}
	if rec.causes[3] != "connection refused" {
		t.Errorf("failure cause not propagated to retry policy: %q", rec.causes[3])
	}
}

func TestConsumerProcessesMessageWithoutSubscribers(t *testing.T) {
	source := &fakeSource{pending: []store.Message{{ID: 9, InterfaceName: "orders"}}}
	fan := &fakeFanout{subs: map[int64][]string{}}

	c := NewConsumer("orders", source, fan, &fakeRetry{},
		nil, func(ctx context.Context, msg store.Message, subscriberName string) error { return nil },
		testConfig(), nil, log.NewNop())
	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll failed: %s", err)
	}
	if len(source.processed) != 1 {
		t.Error("message with no subscriptions should be processed directly")
	}
}

func TestConsumerSkipsVanishedMessage(t *testing.T) {
	// Deleted between read and lease: someone else drained it.
	source := &fakeSource{
		pending:  []store.Message{{ID: 4}, {ID: 5}},
		leaseErr: map[int64]error{4: store.ErrNotFound},
	}
	fan := &fakeFanout{subs: map[int64][]string{}}

	c := NewConsumer("orders", source, fan, &fakeRetry{},
		nil, func(ctx context.Context, msg store.Message, subscriberName string) error { return nil },
		testConfig(), nil, log.NewNop())
	worked, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %s", err)
	}
	if worked != 1 {
		t.Errorf("expected the surviving message to be worked, got %d", worked)
	}
	if len(source.processed) != 1 || source.processed[0] != 5 {
		t.Errorf("wrong message processed: %v", source.processed)
	}
}
