package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/windrift-io/windrift/internal/protocol"
)

// DefaultMaxPendingBytes bounds the payload bytes a connection may queue
// before its Authenticate command arrives.
const DefaultMaxPendingBytes = 8 << 20

var (
	// ErrAuthFailed is returned when a token does not verify or when a
	// connection attempts to authenticate more than once.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPendingOverflow is returned when holding another command would
	// exceed the pending-bytes budget.
	ErrPendingOverflow = errors.New("pending command buffer full")

	// ErrGateClosed is returned when a command is held against a gate
	// that has already failed.
	ErrGateClosed = errors.New("authentication gate closed")
)

// State is a connection's authentication state. Authenticated and Failed
// are terminal.
type State int32

const (
	StatePending State = iota
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Decision tells the caller what to do with an inbound command.
type Decision int

const (
	// Proceed means the command may be processed now.
	Proceed Decision = iota
	// Hold means authentication is still pending; queue the command
	// with Hold and process it when the gate resolves.
	Hold
	// Reject means authentication failed; drop the command and close
	// the connection.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Hold:
		return "hold"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

type heldEntry struct {
	size   int
	replay func()
}

// Gate serializes authentication for one connection. Commands that race
// ahead of Authenticate on other streams are held and replayed in
// arrival order once the token verifies; a failed token discards them
// all.
type Gate struct {
	verifier Verifier
	maxBytes int

	mu        sync.Mutex
	state     State
	clientID  uuid.UUID
	held      []heldEntry
	heldBytes int

	done chan struct{}
}

// NewGate returns a pending gate. A maxPendingBytes of zero selects
// DefaultMaxPendingBytes.
func NewGate(verifier Verifier, maxPendingBytes int) *Gate {
	if maxPendingBytes <= 0 {
		maxPendingBytes = DefaultMaxPendingBytes
	}
	return &Gate{
		verifier: verifier,
		maxBytes: maxPendingBytes,
		done:     make(chan struct{}),
	}
}

// Admit classifies a command against the current state. Authenticate
// commands always proceed; the caller routes them to Authenticate,
// which enforces the single-use rule.
func (g *Gate) Admit(cmd protocol.Command) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateAuthenticated:
		return Proceed
	case StateFailed:
		return Reject
	}
	if cmd.CommandType() == protocol.CmdAuthenticate {
		return Proceed
	}
	return Hold
}

// Hold queues a command for replay after authentication. size is the
// number of buffered payload bytes the command pins; replay runs at most
// once, from the goroutine that resolves the gate.
func (g *Gate) Hold(size int, replay func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateAuthenticated:
		// Gate resolved between Admit and Hold; run inline.
		g.mu.Unlock()
		replay()
		g.mu.Lock()
		return nil
	case StateFailed:
		return ErrGateClosed
	}
	if g.heldBytes+size > g.maxBytes {
		return fmt.Errorf("%w: %d held + %d new > %d limit",
			ErrPendingOverflow, g.heldBytes, size, g.maxBytes)
	}
	g.held = append(g.held, heldEntry{size: size, replay: replay})
	g.heldBytes += size
	return nil
}

// Authenticate resolves the gate with a presented client id and token.
// Only the first call from Pending can succeed; any later call fails the
// gate, including on an already-authenticated connection.
func (g *Gate) Authenticate(clientID uuid.UUID, token Token) error {
	g.mu.Lock()

	if g.state != StatePending {
		// done is already closed; just make the state terminal.
		wasAuthed := g.state == StateAuthenticated
		g.state = StateFailed
		g.mu.Unlock()
		if wasAuthed {
			return fmt.Errorf("%w: repeated authenticate", ErrAuthFailed)
		}
		return ErrAuthFailed
	}

	if !g.verifier.Verify(clientID, token) {
		g.state = StateFailed
		g.held = nil
		g.heldBytes = 0
		g.mu.Unlock()
		close(g.done)
		return fmt.Errorf("%w: client %s", ErrAuthFailed, clientID)
	}

	g.state = StateAuthenticated
	g.clientID = clientID
	held := g.held
	g.held = nil
	g.heldBytes = 0
	g.mu.Unlock()
	close(g.done)

	for _, entry := range held {
		entry.replay()
	}
	return nil
}

// Fail forces the gate into the failed state, discarding held commands.
// Used when the connection dies or the auth timeout fires before an
// Authenticate arrives.
func (g *Gate) Fail() {
	g.mu.Lock()
	if g.state != StatePending {
		g.mu.Unlock()
		return
	}
	g.state = StateFailed
	g.held = nil
	g.heldBytes = 0
	g.mu.Unlock()
	close(g.done)
}

// State returns the current authentication state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ClientID returns the authenticated client id, or the zero uuid while
// the gate is unresolved.
func (g *Gate) ClientID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAuthenticated {
		return uuid.UUID{}
	}
	return g.clientID
}

// HeldBytes returns the payload bytes currently pinned by held commands.
func (g *Gate) HeldBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heldBytes
}

// Done is closed when the gate leaves the pending state.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}
