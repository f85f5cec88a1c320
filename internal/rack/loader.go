package rack

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/KevinKickass/OpenLabRig/internal/wheel"
	"go.uber.org/zap"
)

// FromDocument creates a wheel for every entry of doc, connects them in
// parallel and builds the rack. Wheels that cannot be reached are logged
// and left offline; they do not fail construction.
func FromDocument(ctx context.Context, doc *types.RigDocument, driver wheel.Driver, logger *zap.Logger, opts ...Option) (*Rack, error) {
	if doc == nil {
		return nil, fmt.Errorf("rig document is nil: %w", devices.ErrInvalidArgument)
	}
	if err := devices.CheckSlots(doc); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(doc.Wheels))
	for key := range doc.Wheels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	wheels := make(map[string]*wheel.Wheel, len(keys))
	for _, key := range keys {
		wheels[key] = wheel.New(key, doc.Wheels[key], driver, logger)
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		w := wheels[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			connectWheel(ctx, w, logger)
		}()
	}
	wg.Wait()

	return New(wheels, NewCatalog(doc.Filters), logger, opts...), nil
}

func connectWheel(ctx context.Context, w *wheel.Wheel, logger *zap.Logger) {
	err := w.Connect(ctx)
	if err == nil && !w.IsConnected() {
		err = devices.ErrNotConnected
	}
	if err != nil {
		logger.Warn("Wheel offline",
			zap.String("wheel", w.Name()),
			zap.String("serial", w.Serial()),
			zap.Error(err))
		return
	}

	logger.Info("Wheel connected",
		zap.String("wheel", w.Name()),
		zap.String("serial", w.Serial()),
		zap.Int("slots", w.Slots()))
}
