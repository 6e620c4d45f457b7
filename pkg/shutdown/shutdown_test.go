package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdownRunsLIFO(t *testing.T) {
	m := New(time.Second)

	var order []string
	m.Register("store", func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("scheduler", func(ctx context.Context) error {
		order = append(order, "scheduler")
		return errors.New("stuck")
	})
	m.Register("http", func(ctx context.Context) error {
		order = append(order, "http")
		return nil
	})

	err := m.Shutdown()
	if err == nil {
		t.Fatal("expected first error to be returned")
	}

	if len(order) != 3 || order[0] != "http" || order[1] != "scheduler" || order[2] != "store" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestWaitClosesDoneOnContext(t *testing.T) {
	m := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.Wait(ctx)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestCloseResource(t *testing.T) {
	c := &closer{}
	if err := CloseResource(c)(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.closed {
		t.Error("resource not closed")
	}
}
