package mcpfn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements ServerTransport over newline-framed JSON on a reader and
// writer pair, typically stdin and stdout. It carries exactly one session.
type StdIO struct {
	reader io.Reader
	writer io.Writer

	sessionID string

	writeMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewStdIO creates a transport reading messages from reader and writing
// replies to writer.
func NewStdIO(reader io.Reader, writer io.Writer) *StdIO {
	return &StdIO{
		reader:    reader,
		writer:    writer,
		sessionID: uuid.New().String(),
		done:      make(chan struct{}),
	}
}

// Sessions yields the single stdio session and then blocks until shutdown.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		if !yield(stdIOSession{transport: s}) {
			return
		}
		<-s.done
	}
}

// Shutdown stops the session. The underlying reader and writer are owned by
// the caller and stay open.
func (s *StdIO) Shutdown(context.Context) error {
	s.stop()
	return nil
}

func (s *StdIO) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

type stdIOSession struct {
	transport *StdIO
}

func (s stdIOSession) ID() string {
	return s.transport.sessionID
}

func (s stdIOSession) Send(_ context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	s.transport.writeMu.Lock()
	defer s.transport.writeMu.Unlock()

	if _, err := s.transport.writer.Write(msgBs); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		scanner := bufio.NewScanner(s.transport.reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			select {
			case <-s.transport.done:
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	s.transport.stop()
}
