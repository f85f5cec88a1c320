package ammeter

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// SimPort emulates a 6485 on the wire: it records commands and answers
// READ? with the next configured reading, or with noise around a base
// current once the list is exhausted.
type SimPort struct {
	mu       sync.Mutex
	pending  []byte
	commands []string
	readings []string
	base     float64
	noise    float64
	closed   bool
}

func NewSimPort(base, noise float64) *SimPort {
	return &SimPort{base: base, noise: noise}
}

// QueueReadings sets raw READ? replies served before falling back to noise.
func (s *SimPort) QueueReadings(replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, replies...)
}

// Commands returns every command received, without terminators.
func (s *SimPort) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *SimPort) Open(string, int) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.pending = nil
	return s, nil
}

func (s *SimPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("port closed")
	}

	for _, cmd := range strings.Split(string(p), "\r") {
		if cmd == "" {
			continue
		}
		s.commands = append(s.commands, cmd)
		if cmd != "READ?" {
			continue
		}

		var reply string
		if len(s.readings) > 0 {
			reply, s.readings = s.readings[0], s.readings[1:]
		} else {
			reply = fmt.Sprintf("%+.6E", s.base+s.noise*(rand.Float64()*2-1))
		}
		s.pending = append(s.pending, reply+"\n"...)
	}
	return len(p), nil
}

func (s *SimPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *SimPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
