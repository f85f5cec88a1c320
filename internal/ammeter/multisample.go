package ammeter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/metrics"
)

// MultiSample summarises a series of readings. Samples and Times are only
// set when requested.
type MultiSample struct {
	N       int       `json:"n_samples"`
	Mean    float64   `json:"mean"`
	Median  float64   `json:"median"`
	Std     float64   `json:"std"`
	Samples []float64 `json:"samples,omitempty"`
	Times   []float64 `json:"times,omitempty"`
}

// ReadMultisample takes n readings spaced dt apart. Times are Unix
// timestamps in seconds.
func (p *Picoammeter) ReadMultisample(ctx context.Context, n int, dt time.Duration, returnArr bool) (*MultiSample, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count %d must be positive: %w", n, devices.ErrInvalidArgument)
	}
	if dt < 0 {
		return nil, fmt.Errorf("sample interval %s must not be negative: %w", dt, devices.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	samples := make([]float64, 0, n)
	times := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		cur, err := p.readLocked(ctx)
		metrics.RecordAmmeterRead(cur, err)
		if err != nil {
			return nil, fmt.Errorf("sample %d of %d: %w", i+1, n, err)
		}
		samples = append(samples, cur)
		times = append(times, float64(time.Now().UnixNano())/1e9)

		if i < n-1 {
			if err := sleep(ctx, dt); err != nil {
				return nil, err
			}
		}
	}

	res := &MultiSample{
		N:      n,
		Mean:   Mean(samples),
		Median: Median(samples),
		Std:    Std(samples),
	}
	if returnArr {
		res.Samples = samples
		res.Times = times
	}
	return res, nil
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

// Median averages the two middle values for an even count, which
// stat.Quantile does not.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)

	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// Std is the population standard deviation.
func Std(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	_, std := stat.PopMeanStdDev(xs, nil)
	return std
}
