package fwxc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.uber.org/zap/zaptest"
)

// fakeWheelPort answers like an FW102C: echo, value, prompt.
type fakeWheelPort struct {
	mu       sync.Mutex
	position int
	count    int
	pending  []byte
	silent   bool
	closed   bool
	written  []string
}

func (p *fakeWheelPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("port closed")
	}

	cmd := strings.TrimRight(string(b), "\r")
	p.written = append(p.written, cmd)
	if p.silent {
		return len(b), nil
	}

	resp := cmd + "\r"
	switch {
	case cmd == "pos?":
		resp += strconv.Itoa(p.position) + "\r"
	case cmd == "pcount?":
		resp += strconv.Itoa(p.count) + "\r"
	case cmd == "*idn?":
		resp += "THORLABS FW102C/FW212C Filter Wheel version 1.07\r"
	case strings.HasPrefix(cmd, "pos="):
		n, err := strconv.Atoi(strings.TrimPrefix(cmd, "pos="))
		if err != nil || n < 1 || n > p.count {
			resp += "Command error CMD_ARG_INVALID\r"
		} else {
			p.position = n
		}
	default:
		resp += "Command error CMD_NOT_DEFINED\r"
	}
	p.pending = append(p.pending, []byte(resp+"> ")...)

	return len(b), nil
}

func (p *fakeWheelPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	// Deliver in small pieces to exercise reassembly.
	n := copy(b[:min(len(b), 3)], p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakeWheelPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newFakeClient(port *fakeWheelPort, timeout time.Duration) *Client {
	return NewClient("/dev/ttyFAKE", 115200, timeout).WithOpenFunc(
		func(name string, baud int, timeout time.Duration) (Port, error) {
			return port, nil
		})
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		raw     string
		want    string
		wantErr bool
	}{
		{"value", "pos?", "pos?\r3\r> ", "3", false},
		{"set has no value", "pos=2", "pos=2\r> ", "", false},
		{"crlf", "pcount?", "pcount?\r\n6\r\n>", "6", false},
		{"command error", "foo", "foo\rCommand error CMD_NOT_DEFINED\r> ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.cmd, []byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClientPositionRoundTrip(t *testing.T) {
	port := &fakeWheelPort{position: 1, count: 6}
	client := newFakeClient(port, time.Second)

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.SetPosition(4); err != nil {
		t.Fatalf("set position failed: %v", err)
	}
	pos, err := client.GetPosition()
	if err != nil {
		t.Fatalf("get position failed: %v", err)
	}
	if pos != 4 {
		t.Fatalf("expected 4, got %d", pos)
	}

	count, err := client.GetPositionCount()
	if err != nil || count != 6 {
		t.Fatalf("expected 6 slots, got %d (%v)", count, err)
	}

	idn, err := client.Identify()
	if err != nil || !strings.Contains(idn, "FW102C") {
		t.Fatalf("unexpected identify response %q (%v)", idn, err)
	}
}

func TestClientRejectsInvalidSlot(t *testing.T) {
	port := &fakeWheelPort{position: 1, count: 6}
	client := newFakeClient(port, time.Second)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := client.SetPosition(9); err == nil {
		t.Fatalf("expected command error for slot 9")
	}
}

func TestClientTimesOutWithoutPrompt(t *testing.T) {
	port := &fakeWheelPort{position: 1, count: 6, silent: true}
	client := newFakeClient(port, 30*time.Millisecond)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if _, err := client.GetPosition(); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestClientNotConnected(t *testing.T) {
	client := newFakeClient(&fakeWheelPort{}, time.Second)
	if _, err := client.Query("pos?"); err == nil {
		t.Fatalf("expected not connected error")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close on unconnected client failed: %v", err)
	}
}

func TestDriverOpenAndHandle(t *testing.T) {
	port := &fakeWheelPort{position: 2, count: 6}
	d := NewDriver(zaptest.NewLogger(t))
	d.open = func(name string, baud int, timeout time.Duration) (Port, error) {
		if name != "/dev/ttyUSB3" {
			return nil, fmt.Errorf("unexpected port %s", name)
		}
		return port, nil
	}
	d.resolver = func(serial string) (string, error) {
		if serial == "TP01234" {
			return "/dev/ttyUSB3", nil
		}
		return "", errors.New("unknown serial")
	}

	h, err := d.Open(context.Background(), wheel.OpenParams{Serial: "TP01234", Baud: 115200, Timeout: time.Second})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := h.SetPosition(5); err != nil {
		t.Fatalf("set position failed: %v", err)
	}
	pos, err := h.Position()
	if err != nil || pos != 5 {
		t.Fatalf("expected 5, got %d (%v)", pos, err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := h.Position(); !errors.Is(err, devices.ErrDeviceCommunication) {
		t.Fatalf("expected communication error after close, got %v", err)
	}
}

func TestDriverOpenFailuresAreOpenErrors(t *testing.T) {
	d := NewDriver(zaptest.NewLogger(t))
	d.resolver = func(serial string) (string, error) {
		return "", errors.New("unknown serial")
	}

	_, err := d.Open(context.Background(), wheel.OpenParams{Serial: "nope"})
	if !devices.IsOpenFailure(err) {
		t.Fatalf("expected open failure, got %v", err)
	}

	silent := &fakeWheelPort{silent: true}
	d.resolver = resolvePort
	d.open = func(name string, baud int, timeout time.Duration) (Port, error) {
		return silent, nil
	}
	_, err = d.Open(context.Background(), wheel.OpenParams{Serial: "/dev/ttyUSB0", Timeout: 20 * time.Millisecond})
	if !devices.IsOpenFailure(err) {
		t.Fatalf("expected open failure for a silent port, got %v", err)
	}
	if !silent.closed {
		t.Fatalf("expected silent port to be closed")
	}
}

func TestLooksLikePort(t *testing.T) {
	for id, want := range map[string]bool{
		"/dev/ttyUSB0": true,
		"COM7":         true,
		"com3":         true,
		"TP01234":      false,
	} {
		if got := looksLikePort(id); got != want {
			t.Errorf("%s: expected %v, got %v", id, want, got)
		}
	}
}
