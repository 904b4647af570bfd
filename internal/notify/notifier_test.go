package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"
)

func TestNotifierDelivers(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	sink := func(ctx context.Context, info store.AdapterInfo) error {
		mu.Lock()
		seen = append(seen, info.Name)
		mu.Unlock()
		return nil
	}

	n := NewNotifier(sink, 8, nil, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)

	n.Notify(store.AdapterInfo{Name: "csv-orders", LastSeen: time.Now()})
	n.Notify(store.AdapterInfo{Name: "sap-idoc", LastSeen: time.Now()})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		count := len(seen)
		mu.Unlock()
		if count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 deliveries, got %d", count)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	n.Wait()
}

func TestNotifyNeverBlocks(t *testing.T) {
	// No Run loop draining: the queue saturates and extra events drop.
	n := NewNotifier(func(ctx context.Context, info store.AdapterInfo) error {
		return nil
	}, 1, nil, log.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify(store.AdapterInfo{Name: "flooding-producer"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a saturated queue")
	}
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	calls := make(chan struct{}, 4)
	sink := func(ctx context.Context, info store.AdapterInfo) error {
		calls <- struct{}{}
		return errors.New("registry unavailable")
	}
	n := NewNotifier(sink, 4, nil, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)

	n.Notify(store.AdapterInfo{Name: "a"})
	n.Notify(store.AdapterInfo{Name: "b"})

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("sink not invoked")
		}
	}
	cancel()
	n.Wait()
}
