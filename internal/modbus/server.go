package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

const (
	ExceptionIllegalFunction = 0x01
	ExceptionServerFailure   = 0x04
)

// Server is an in-memory Modbus/TCP holding register bank. It stands in
// for digital I/O hardware in simulation mode and in tests.
type Server struct {
	logger *zap.Logger

	mu        sync.Mutex
	ln        net.Listener
	conns     map[net.Conn]struct{}
	registers map[uint16]uint16
	writes    int
	exception uint8

	wg sync.WaitGroup
}

func NewServer(logger *zap.Logger) *Server {
	return &Server{
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
		registers: make(map[uint16]uint16),
	}
}

// Listen starts serving on address, for example "127.0.0.1:0".
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("Modbus server listening", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Register(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[addr]
}

func (s *Server) SetRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[addr] = value
}

// Writes counts register writes served so far.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailWith makes every following request answer with exception code.
// Zero restores normal operation.
func (s *Server) FailWith(code uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exception = code
}

func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Modbus accept failed", zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		header := make([]byte, mbapHeaderLen-1)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 || length+len(header) > maxFrameLen {
			return
		}
		raw := make([]byte, len(header)+length)
		copy(raw, header)
		if _, err := io.ReadFull(conn, raw[len(header):]); err != nil {
			return
		}

		request, err := DecodeFrame(raw)
		if err != nil {
			s.logger.Debug("Dropping malformed Modbus frame", zap.Error(err))
			return
		}

		response := s.handle(request)
		if _, err := conn.Write(response.Encode()); err != nil {
			return
		}
	}
}

func (s *Server) handle(req *Frame) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &Frame{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		FunctionCode:  req.FunctionCode,
	}

	fail := func(code uint8) *Frame {
		resp.FunctionCode = req.FunctionCode | exceptionFlag
		resp.Data = []byte{code}
		return resp
	}

	if s.exception != 0 {
		return fail(s.exception)
	}
	if len(req.Data) < 4 {
		return fail(ExceptionServerFailure)
	}

	addr := binary.BigEndian.Uint16(req.Data[0:2])
	arg := binary.BigEndian.Uint16(req.Data[2:4])

	switch req.FunctionCode {
	case FuncCodeReadHoldingRegisters:
		if arg == 0 || arg > 125 {
			return fail(ExceptionServerFailure)
		}
		data := make([]byte, 1+2*int(arg))
		data[0] = byte(2 * arg)
		for i := 0; i < int(arg); i++ {
			binary.BigEndian.PutUint16(data[1+2*i:], s.registers[addr+uint16(i)])
		}
		resp.Data = data

	case FuncCodeWriteSingleRegister:
		s.registers[addr] = arg
		s.writes++
		resp.Data = append([]byte(nil), req.Data[:4]...)

	default:
		return fail(ExceptionIllegalFunction)
	}

	return resp
}
