// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to lines from the port and send commands to
// the single device behind it. The deskew pipeline uses it for IMUs that
// stream one JSON sample per line.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/lericson/oblam-deskew/internal/httputil"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines    atomic.Uint64
	dropped  atomic.Uint64
	lastLine atomic.Pointer[string]
}

// Status is a point-in-time view of the mux for the admin routes.
type Status struct {
	Subscribers int    `json:"subscribers"`
	Lines       uint64 `json:"lines"`
	Dropped     uint64 `json:"dropped"`
	LastLine    string `json:"last_line,omitempty"`
}

// Status reports line counts and the most recent line read from the port.
// Dropped counts per-subscriber deliveries skipped because the subscriber
// was full.
func (s *SerialMux[T]) Status() Status {
	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()
	st := Status{
		Subscribers: n,
		Lines:       s.lines.Load(),
		Dropped:     s.dropped.Load(),
	}
	if l := s.lastLine.Load(); l != nil {
		st.LastLine = *l
	}
	return st
}

// NewSerialMux creates a SerialMux instance backed by port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every line read from the port. Lines
// are dropped for subscribers that are not ready, so buffer the channel size
// to the expected burst.
func (s *SerialMux[T]) Subscribe(buffer int) (string, chan string) {
	id := randomID()
	ch := make(chan string, buffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends each setup command to the device in order.
func (s *SerialMux[T]) Initialize(commands []string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the serial port and fans them out to subscribers
// until ctx is cancelled, the port reaches EOF, or Close is called.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs in its own goroutine so the loop below can
	// still observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				return nil
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.lines.Add(1)
			s.lastLine.Store(&line)
			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close closes all subscribed channels and closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP mux
// served at /debug/. tsweb restricts them to loopback and tailnet clients.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("imu-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleFunc("imu-status", "IMU serial line counts", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Status())
	})

	// Server-sent events, one per line read from the IMU.
	debug.HandleFunc("imu-tail", "live tail of raw IMU lines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe(64)
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		var buf bytes.Buffer
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				buf.Reset()
				fmt.Fprintf(&buf, "data: %s\n\n", payload)
				if _, err := w.Write(buf.Bytes()); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
