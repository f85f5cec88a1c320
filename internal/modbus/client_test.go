package modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	srv := NewServer(zaptest.NewLogger(t))
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func connectClient(t *testing.T, srv *Server) *Client {
	t.Helper()

	c := NewClient(srv.Addr(), time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWriteAndReadRegister(t *testing.T) {
	srv := startServer(t)
	c := connectClient(t, srv)
	ctx := context.Background()

	if err := c.WriteSingleRegister(ctx, 1, 2004, 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := srv.Register(2004); got != 1 {
		t.Fatalf("expected register 2004 = 1, got %d", got)
	}

	srv.SetRegister(2005, 7)
	regs, err := c.ReadHoldingRegisters(ctx, 1, 2004, 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if regs[0] != 1 || regs[1] != 7 {
		t.Fatalf("unexpected registers %v", regs)
	}
}

func TestExceptionIsReturned(t *testing.T) {
	srv := startServer(t)
	c := connectClient(t, srv)
	srv.FailWith(ExceptionServerFailure)

	err := c.WriteSingleRegister(context.Background(), 1, 2000, 1)

	var exc *ExceptionError
	if !errors.As(err, &exc) || exc.Code != ExceptionServerFailure {
		t.Fatalf("expected server failure exception, got %v", err)
	}
	if !c.IsConnected() {
		t.Fatalf("an exception response must not drop the connection")
	}
}

func TestSendWithoutConnect(t *testing.T) {
	c := NewClient("127.0.0.1:1", 100*time.Millisecond)

	if _, err := c.ReadHoldingRegisters(context.Background(), 1, 0, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestConnectIsIdempotentAndCloseIsSafe(t *testing.T) {
	srv := startServer(t)
	c := connectClient(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestServerClosedDropsConnection(t *testing.T) {
	srv := startServer(t)
	c := connectClient(t, srv)
	srv.Close()

	if err := c.WriteSingleRegister(context.Background(), 1, 2000, 1); err == nil {
		t.Fatalf("expected error after server shutdown")
	}
	if c.IsConnected() {
		t.Fatalf("expected transport failure to drop the connection")
	}
}
