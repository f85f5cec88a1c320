package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/interfaces"
	"github.com/KevinKickass/OpenLabRig/internal/rack"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service implements LabRigServer on top of the running system.
type Service struct {
	lm     interfaces.LifecycleManager
	events *EventStreamer
	logger *zap.Logger
}

func NewService(lm interfaces.LifecycleManager, events *EventStreamer, logger *zap.Logger) *Service {
	return &Service{lm: lm, events: events, logger: logger}
}

var _ LabRigServer = (*Service)(nil)

func (s *Service) SelectBandpass(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	wl, err := requiredNumber(req, "wavelength_nm")
	if err != nil {
		return nil, toStatus(err)
	}
	opts, err := selectOptions(req, "tol_nm")
	if err != nil {
		return nil, toStatus(err)
	}

	sel, err := s.lm.Rack().SelectBandpass(ctx, wl, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(sel)
}

func (s *Service) SelectND(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["od"]
	if !ok {
		return nil, toStatus(fmt.Errorf("missing field od: %w", devices.ErrInvalidArgument))
	}
	opts, err := selectOptions(req, "tol")
	if err != nil {
		return nil, toStatus(err)
	}

	sel, err := s.lm.Rack().SelectND(ctx, v.AsInterface(), opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(sel)
}

func (s *Service) ListWheels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"wheels": s.lm.Rack().ListWheels()})
}

func (s *Service) WheelStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := requiredString(req, "key")
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := s.lm.Rack().WheelStatus(key)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(st)
}

func (s *Service) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.lm.LabStatus(ctx))
}

func (s *Service) MoveWheel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := requiredString(req, "key")
	if err != nil {
		return nil, toStatus(err)
	}
	slot, err := requiredInt(req, "slot")
	if err != nil {
		return nil, toStatus(err)
	}
	block, err := optionalBool(req, "block", true)
	if err != nil {
		return nil, toStatus(err)
	}

	if err := s.lm.Rack().MoveWheel(ctx, key, slot, block); err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"wheel": key, "slot": slot})
}

func (s *Service) AvailableFilters(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"filters": s.lm.Rack().AvailableFilters()})
}

func (s *Service) Shutter(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	action, err := requiredString(req, "action")
	if err != nil {
		return nil, toStatus(err)
	}
	sh := s.lm.Shutter()
	if sh == nil {
		return nil, toStatus(fmt.Errorf("shutter: %w", devices.ErrNotConfigured))
	}
	if err := sh.Apply(ctx, action); err != nil {
		return nil, toStatus(err)
	}
	return encode(sh.Status())
}

func (s *Service) ReadCurrent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	am := s.lm.Ammeter()
	if am == nil || !am.IsConnected() {
		return nil, toStatus(fmt.Errorf("ammeter: %w", devices.ErrNotConnected))
	}
	cur, err := am.ReadCurrent(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"current_a": cur})
}

// WatchEvents streams rig events until the client goes away or the
// server shuts down. An optional "types" list restricts the event types.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	types, err := optionalStrings(req, "types")
	if err != nil {
		return toStatus(err)
	}

	id, events := s.events.Subscribe(types)
	defer s.events.Unsubscribe(id)

	s.logger.Debug("Event stream opened", zap.String("subscriber", id.String()), zap.Strings("types", types))

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(event); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// encode converts v to a Struct through its JSON form so responses match
// the REST API field for field.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(fmt.Errorf("failed to encode response: %w", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, toStatus(fmt.Errorf("failed to encode response: %w", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toStatus(fmt.Errorf("failed to encode response: %w", err))
	}
	return out, nil
}

func encodeValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return structpb.NewValue(generic)
}

func selectOptions(req *structpb.Struct, tolField string) (rack.SelectOptions, error) {
	var opts rack.SelectOptions
	if v, ok := req.GetFields()[tolField]; ok {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return opts, fmt.Errorf("field %s must be a number: %w", tolField, devices.ErrInvalidArgument)
		}
		tol := n.NumberValue
		opts.Tolerance = &tol
	}
	block, err := optionalBool(req, "block", true)
	if err != nil {
		return opts, err
	}
	opts.Block = block
	return opts, nil
}

func requiredNumber(req *structpb.Struct, field string) (float64, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return 0, fmt.Errorf("missing field %s: %w", field, devices.ErrInvalidArgument)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("field %s must be a number: %w", field, devices.ErrInvalidArgument)
	}
	return n.NumberValue, nil
}

func requiredInt(req *structpb.Struct, field string) (int, error) {
	f, err := requiredNumber(req, field)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("field %s must be an integer: %w", field, devices.ErrInvalidArgument)
	}
	return int(f), nil
}

func requiredString(req *structpb.Struct, field string) (string, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return "", fmt.Errorf("missing field %s: %w", field, devices.ErrInvalidArgument)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %s must be a string: %w", field, devices.ErrInvalidArgument)
	}
	return str.StringValue, nil
}

func optionalBool(req *structpb.Struct, field string, def bool) (bool, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return def, nil
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("field %s must be a bool: %w", field, devices.ErrInvalidArgument)
	}
	return b.BoolValue, nil
}

func optionalStrings(req *structpb.Struct, field string) ([]string, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %s must be a list: %w", field, devices.ErrInvalidArgument)
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		str, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("field %s must hold strings: %w", field, devices.ErrInvalidArgument)
		}
		out = append(out, str.StringValue)
	}
	return out, nil
}
