package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestClient_PingAndClose(t *testing.T) {
	mr := miniredis.RunT(t)

	c := New(Options{Addr: mr.Addr(), PoolSize: 4, BlockingPoolSize: 2})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if c.Cmd == c.Blocking {
		t.Fatalf("expected two independent connections")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Cmd.Ping(context.Background()).Err(); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}

func TestClient_PingFailsWhenServerIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := New(Options{Addr: addr})
	defer func() { _ = c.Close() }()

	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
}
