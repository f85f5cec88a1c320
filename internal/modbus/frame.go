package modbus

import (
	"encoding/binary"
	"fmt"
)

// Frame is a Modbus/TCP application data unit: the 7 byte MBAP header
// followed by the function code and its data.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0 for Modbus
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeWriteSingleRegister  = 0x06

	mbapHeaderLen = 7
	maxFrameLen   = 260

	exceptionFlag = 0x80
)

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X", e.Code, e.FunctionCode)
}

func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2)

	frame := make([]byte, mbapHeaderLen+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapHeaderLen+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length field %d does not match %d payload bytes", frame.Length, len(data)-6)
	}

	if len(data) > mbapHeaderLen+1 {
		frame.Data = data[8:]
	}

	return frame, nil
}

// Exception returns the exception carried by an error response, or nil.
func (f *Frame) Exception() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, Code: code}
}

func ReadHoldingRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &Frame{
		UnitID:       unitID,
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         data,
	}
}

func WriteSingleRegisterRequest(unitID uint8, addr, value uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &Frame{
		UnitID:       unitID,
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         data,
	}
}

// ParseRegisterResponse decodes the register values of a read response.
func (f *Frame) ParseRegisterResponse() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if byteCount%2 != 0 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
