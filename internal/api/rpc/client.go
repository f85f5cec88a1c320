package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the LabRig service with plain maps.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method (one of the Method* constants) with args and
// returns the decoded response.
func (c *Client) Call(ctx context.Context, method string, args map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) SelectBandpass(ctx context.Context, wavelengthNM float64, opts ...grpc.CallOption) (map[string]any, error) {
	return c.Call(ctx, MethodSelectBandpass, map[string]any{"wavelength_nm": wavelengthNM}, opts...)
}

func (c *Client) SelectND(ctx context.Context, od any, opts ...grpc.CallOption) (map[string]any, error) {
	return c.Call(ctx, MethodSelectND, map[string]any{"od": od}, opts...)
}

func (c *Client) ListWheels(ctx context.Context, opts ...grpc.CallOption) ([]string, error) {
	out, err := c.Call(ctx, MethodListWheels, nil, opts...)
	if err != nil {
		return nil, err
	}
	raw, _ := out["wheels"].([]any)
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

func (c *Client) MoveWheel(ctx context.Context, key string, slot int, block bool, opts ...grpc.CallOption) error {
	_, err := c.Call(ctx, MethodMoveWheel, map[string]any{"key": key, "slot": slot, "block": block}, opts...)
	return err
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	return c.Call(ctx, MethodStatus, nil, opts...)
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF once the server ends
// the stream.
func (e *EventStream) Recv() (map[string]any, error) {
	out := new(structpb.Struct)
	if err := e.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// WatchEvents opens an event stream. Leave types empty for every event.
// Cancel ctx to end the stream.
func (c *Client) WatchEvents(ctx context.Context, types []string, opts ...grpc.CallOption) (*EventStream, error) {
	args := map[string]any{}
	if len(types) > 0 {
		list := make([]any, len(types))
		for i, t := range types {
			list[i] = t
		}
		args["types"] = list
	}
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	stream, err := c.cc.NewStream(ctx, &LabRigServiceDesc.Streams[0], MethodWatchEvents, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
