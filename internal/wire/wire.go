// Package wire implements the control-plane codec (spec §4.1): UTF-8
// JSON objects, one per line, on a single bidirectional vsock stream.
// Binary payloads are base64 in the "data" field. Unknown fields are
// ignored by encoding/json already; unknown "type" values are left for
// the caller to log and discard without closing the stream.
//
// Directly adapted from the teacher's internal/vmm/channel.go
// NetControlChannel: a bufio.Scanner-based line reader with a 1MB
// buffer, and a writer that appends exactly one trailing newline.
package wire

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// Message types exchanged over vsock:1024 and vsock:1025.
const (
	TypeExec    = "exec"
	TypeStdin   = "stdin"
	TypeStdout  = "stdout"
	TypeStderr  = "stderr"
	TypeResize  = "resize"
	TypeSignal  = "signal"
	TypeExit    = "exit"
	TypeConnect = "connect" // port-forward header on vsock:1025
)

// Envelope is the single wire message shape. Only the fields relevant
// to Type are populated; json.Marshal omits zero-valued optional
// fields via "omitempty" so each message stays minimal on the wire.
type Envelope struct {
	Type string `json:"type"`

	// exec
	Argv []string          `json:"argv,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	TTY  bool              `json:"tty,omitempty"`
	Rows uint16            `json:"rows,omitempty"`
	Cols uint16            `json:"cols,omitempty"`

	// stdin / stdout / stderr
	Data string `json:"data,omitempty"` // base64

	// signal
	Signal int `json:"signal,omitempty"`

	// exit
	Code int `json:"code,omitempty"`

	// connect (port forward header)
	Port int `json:"port,omitempty"`
}

// EncodeData base64-encodes a binary payload for the Data field.
func EncodeData(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeData decodes the Data field back to raw bytes.
func (e Envelope) DecodeData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Data)
}

// maxLineBytes bounds the scanner buffer so a single message can't
// stall the stream indefinitely; matches the teacher's channel.go.
const maxLineBytes = 1 << 20

// Codec frames Envelopes over a connection, never buffering more than
// one message in either direction, matching spec §4.1's latency
// requirement.
type Codec struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// New wraps conn with the line-delimited JSON codec.
func New(conn net.Conn) *Codec {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	return &Codec{conn: conn, scanner: scanner}
}

// Send writes one Envelope as a single JSON line, honoring ctx's
// deadline or cancellation.
func (c *Codec) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", env.Type, err)
	}
	data = append(data, '\n')

	defer c.armDeadline(ctx, c.conn.SetWriteDeadline)()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write %s message: %w", env.Type, err)
	}
	return nil
}

// armDeadline ties ctx to the connection's read or write deadline
// (whichever setDeadline is) so a blocking Send/Recv unblocks when ctx
// is done even without an explicit ctx.Deadline(): a plain
// context.WithCancel has no deadline to read, so cancellation alone
// never interrupts a pending net.Conn read or write on its own. The
// returned func clears the deadline and must run before Send/Recv
// returns.
func (c *Codec) armDeadline(ctx context.Context, setDeadline func(time.Time) error) func() {
	if deadline, ok := ctx.Deadline(); ok {
		setDeadline(deadline)
		return func() { setDeadline(time.Time{}) }
	}
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() { setDeadline(time.Now()) })
	return func() {
		stop()
		setDeadline(time.Time{})
	}
}

// Recv reads and parses the next line. io.EOF (wrapped) is returned
// when the peer closes the stream cleanly; ctx.Err() is returned
// (wrapped) if ctx is done before a line arrives.
func (c *Codec) Recv(ctx context.Context) (Envelope, error) {
	defer c.armDeadline(ctx, c.conn.SetReadDeadline)()

	if !c.scanner.Scan() {
		if ctx.Err() != nil {
			return Envelope{}, fmt.Errorf("read message: %w", ctx.Err())
		}
		if err := c.scanner.Err(); err != nil {
			return Envelope{}, fmt.Errorf("read message: %w", err)
		}
		return Envelope{}, fmt.Errorf("read message: %w", errClosedStream)
	}

	var env Envelope
	if err := json.Unmarshal(c.scanner.Bytes(), &env); err != nil {
		return Envelope{}, fmt.Errorf("parse message: %w", err)
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

var errClosedStream = fmt.Errorf("stream closed: %w", io.EOF)
