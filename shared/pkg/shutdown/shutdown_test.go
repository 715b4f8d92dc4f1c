package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdownRunsLIFOOnce(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	m.Register("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.Register("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("ignored")
	})
	m.Register("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	m.Shutdown()
	m.Shutdown()

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestTriggerUnblocksWait(t *testing.T) {
	m := New(time.Second, nil)
	ran := make(chan struct{})
	m.Register("mark", func(context.Context) error {
		close(ran)
		return nil
	})

	go m.Trigger("test")
	m.Wait(context.Background())

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shutdown function did not run")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() should be closed after Trigger")
	}
}
