package devices

import (
	"errors"
	"testing"

	"github.com/KevinKickass/OpenLabRig/internal/types"
)

func TestValidateDocument(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	valid := `{"filter_wheels":{"a":{"serial":"TP1","type":"nd","filters":{"1":"ND 0.5","2":"EMPTY"}}},
		"filters":{"450nm":{"type":"bandpass","wavelength":450}}}`
	if err := v.ValidateDocument([]byte(valid)); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}

	invalid := map[string]string{
		"not json":         `{`,
		"no wheels":        `{"filters":{}}`,
		"negative baud":    `{"filter_wheels":{"a":{"serial":"TP1","baud":-1}}}`,
		"non numeric slot": `{"filter_wheels":{"a":{"serial":"TP1","filters":{"one":"x"}}}}`,
		"zero wavelength":  `{"filter_wheels":{},"filters":{"x":{"wavelength":0}}}`,
		"unknown field":    `{"filter_wheels":{"a":{"serial":"TP1","color":"red"}}}`,
	}
	for name, doc := range invalid {
		if err := v.ValidateDocument([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCheckSlots(t *testing.T) {
	doc := &types.RigDocument{Wheels: map[string]types.WheelSpec{
		"a": {Serial: "TP1", Slots: 12, Filters: map[int]string{0: "x", 12: "y"}},
	}}
	if err := CheckSlots(doc); err != nil {
		t.Fatalf("expected bounds to be inclusive, got %v", err)
	}

	doc.Wheels["b"] = types.WheelSpec{Serial: "TP2", Filters: map[int]string{7: "z"}}
	if err := CheckSlots(doc); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCommErrorClassification(t *testing.T) {
	open := NewCommError("wheel-a", OpOpen, errors.New("busy"))
	if !errors.Is(open, ErrDeviceCommunication) || !IsOpenFailure(open) {
		t.Fatalf("expected open failure, got %v", open)
	}

	read := NewCommError("wheel-a", OpRead, errors.New("timeout"))
	if IsOpenFailure(read) {
		t.Fatalf("read failure classified as open failure")
	}
	if IsOpenFailure(errors.New("plain")) {
		t.Fatalf("plain error classified as open failure")
	}
}
