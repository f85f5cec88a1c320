package ammeter

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"go.uber.org/zap/zaptest"
)

func newTestAmmeter(t *testing.T) (*Picoammeter, *SimPort) {
	t.Helper()

	port := NewSimPort(1e-9, 0)
	p := New(Config{
		Port:         "/dev/ttyUSB9",
		Timeout:      200 * time.Millisecond,
		CommandDelay: -1,
		SettleDelay:  -1,
	}, zaptest.NewLogger(t)).WithOpenFunc(port.Open)
	t.Cleanup(func() { p.Disconnect() })
	return p, port
}

func TestConnectSendsConfiguration(t *testing.T) {
	p, port := newTestAmmeter(t)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}

	got := port.Commands()
	if len(got) != len(configureSequence) {
		t.Fatalf("expected %d commands, got %v", len(configureSequence), got)
	}
	if got[0] != "*RST" || got[len(got)-1] != ":SYST:ZCH:STAT OFF" {
		t.Fatalf("unexpected sequence %v", got)
	}
}

func TestReadCurrent(t *testing.T) {
	p, port := newTestAmmeter(t)
	ctx := context.Background()

	if _, err := p.ReadCurrent(ctx); !errors.Is(err, devices.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	port.QueueReadings("+1.234500E-09", "garbage")

	cur, err := p.ReadCurrent(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if cur != 1.2345e-9 {
		t.Fatalf("unexpected current %g", cur)
	}
	if st := p.Status(); st.LastCurrent == nil || *st.LastCurrent != cur {
		t.Fatalf("expected last current in status, got %+v", st)
	}

	if _, err := p.ReadCurrent(ctx); !errors.Is(err, devices.ErrDeviceCommunication) {
		t.Fatalf("expected device communication error, got %v", err)
	}
	if st := p.Status(); st.LastCurrent != nil {
		t.Fatalf("expected last current cleared after bad reply")
	}
}

func TestReadMultisample(t *testing.T) {
	p, port := newTestAmmeter(t)
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	port.QueueReadings("1", "2", "3", "10")

	res, err := p.ReadMultisample(ctx, 4, time.Millisecond, true)
	if err != nil {
		t.Fatalf("multisample failed: %v", err)
	}
	if res.N != 4 || res.Mean != 4 || res.Median != 2.5 {
		t.Fatalf("unexpected summary %+v", res)
	}
	if math.Abs(res.Std-math.Sqrt(12.5)) > 1e-12 {
		t.Fatalf("unexpected std %g", res.Std)
	}
	if len(res.Samples) != 4 || len(res.Times) != 4 || res.Times[3] < res.Times[0] {
		t.Fatalf("unexpected arrays %+v", res)
	}

	res, err = p.ReadMultisample(ctx, 2, 0, false)
	if err != nil {
		t.Fatalf("multisample failed: %v", err)
	}
	if res.Samples != nil || res.Times != nil {
		t.Fatalf("arrays must be omitted when not requested")
	}
}

func TestReadMultisampleRejectsBadArguments(t *testing.T) {
	p, _ := newTestAmmeter(t)

	if _, err := p.ReadMultisample(context.Background(), 0, 0, false); !errors.Is(err, devices.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := p.ReadMultisample(context.Background(), 1, -time.Second, false); !errors.Is(err, devices.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestReadTimesOutWithoutReply(t *testing.T) {
	p := New(Config{Timeout: 30 * time.Millisecond, CommandDelay: -1, SettleDelay: -1}, zaptest.NewLogger(t)).
		WithOpenFunc(func(string, int) (Port, error) { return &silentPort{}, nil })
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if _, err := p.ReadCurrent(ctx); !errors.Is(err, devices.ErrDeviceCommunication) {
		t.Fatalf("expected device communication error, got %v", err)
	}
}

func TestConnectFailureIsOpenFailure(t *testing.T) {
	p := New(Config{Port: "/dev/missing"}, zaptest.NewLogger(t)).
		WithOpenFunc(func(string, int) (Port, error) { return nil, errors.New("no such file") })

	if err := p.Connect(context.Background()); !devices.IsOpenFailure(err) {
		t.Fatalf("expected open failure, got %v", err)
	}
	if p.IsConnected() {
		t.Fatalf("expected disconnected")
	}
}

func TestParseReading(t *testing.T) {
	tests := map[string]float64{
		"+1.000000E-09":        1e-9,
		" -2.5E-12\r":          -2.5e-12,
		"+3.0E-10A":            3e-10,
		"+4.0E-10A,+1.2E+02,0": 4e-10,
	}
	for in, want := range tests {
		got, err := ParseReading(in)
		if err != nil || got != want {
			t.Errorf("ParseReading(%q) = %g, %v; want %g", in, got, err, want)
		}
	}
	if _, err := ParseReading("overflow"); err == nil {
		t.Errorf("expected error for non-numeric reply")
	}
}

func TestStatistics(t *testing.T) {
	xs := []float64{5, 1, 3}
	if Mean(xs) != 3 || Median(xs) != 3 {
		t.Fatalf("unexpected mean/median")
	}
	if math.Abs(Std(xs)-math.Sqrt(8.0/3.0)) > 1e-12 {
		t.Fatalf("unexpected std %g", Std(xs))
	}
	if !math.IsNaN(Mean(nil)) || !math.IsNaN(Std(nil)) || !math.IsNaN(Median(nil)) {
		t.Fatalf("expected NaN for empty input")
	}

	even := []float64{4, 1, 2, 3}
	if Median(even) != 2.5 {
		t.Fatalf("expected even median to average the middle pair, got %g", Median(even))
	}
	if math.Abs(Std(even)-math.Sqrt(1.25)) > 1e-12 {
		t.Fatalf("unexpected population std %g", Std(even))
	}
	if even[0] != 4 {
		t.Fatalf("median must not reorder its input")
	}
}

type silentPort struct{}

func (silentPort) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (silentPort) Write(p []byte) (int, error) { return len(p), nil }
func (silentPort) Close() error                { return nil }
