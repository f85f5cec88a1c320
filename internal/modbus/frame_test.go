package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteSingleRegisterEncoding(t *testing.T) {
	f := WriteSingleRegisterRequest(1, 2004, 1)
	f.TransactionID = 0x0102

	want := []byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x07, 0xD4, 0x00, 0x01}
	if got := f.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("encoded % X, want % X", got, want)
	}
}

func TestDecodeFrame(t *testing.T) {
	raw := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x2A}

	f, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if f.TransactionID != 7 || f.UnitID != 1 || f.FunctionCode != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected header %+v", f)
	}

	regs, err := f.ParseRegisterResponse()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(regs) != 1 || regs[0] != 42 {
		t.Fatalf("unexpected registers %v", regs)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	tests := map[string][]byte{
		"short":        {0x00, 0x01, 0x00},
		"protocol id":  {0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03},
		"length field": {0x00, 0x01, 0x00, 0x00, 0x00, 0x09, 0x01, 0x03},
	}

	for name, raw := range tests {
		if _, err := DecodeFrame(raw); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestExceptionResponse(t *testing.T) {
	f := &Frame{FunctionCode: FuncCodeWriteSingleRegister | exceptionFlag, Data: []byte{0x02}}

	var exc *ExceptionError
	if err := f.Exception(); !errors.As(err, &exc) {
		t.Fatalf("expected exception error, got %v", err)
	}
	if exc.FunctionCode != FuncCodeWriteSingleRegister || exc.Code != 0x02 {
		t.Fatalf("unexpected exception %+v", exc)
	}

	ok := &Frame{FunctionCode: FuncCodeWriteSingleRegister}
	if err := ok.Exception(); err != nil {
		t.Fatalf("unexpected exception %v", err)
	}
}
