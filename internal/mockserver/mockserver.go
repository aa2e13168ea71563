// Package mockserver is a frame-level fake of the APNs/channel-management
// HTTP/2 endpoint used to exercise the stream multiplexer against the
// wire behaviors it needs to survive: REFUSED_STREAM retry, GOAWAY,
// idle-ping keep-alive, and ordinary accept/reject round trips. It speaks
// just enough HTTP/2 (no CONTINUATION support, no flow-control windowing
// beyond the defaults) to drive those scenarios deterministically.
package mockserver

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Outcome is how the mock server responds to one received request.
type Outcome int

const (
	// OutcomeAccept answers the request with Status (default 200) and Body.
	OutcomeAccept Outcome = iota
	// OutcomeRefuseStream answers with RST_STREAM/REFUSED_STREAM and no headers.
	OutcomeRefuseStream
	// OutcomeGoAway sends a GOAWAY frame instead of answering the request.
	// The server keeps the connection open; closing it is left to the client.
	OutcomeGoAway
	// OutcomeSilent accepts the request but never answers it, used to drive
	// idle-ping keep-alive timeout scenarios.
	OutcomeSilent
)

// Step is one scripted response. A Server with no Steps left for an
// incoming request falls back to OutcomeAccept with Status 200.
type Step struct {
	Outcome Outcome
	Status  int
	Body    []byte
	Headers map[string]string
}

// ReceivedRequest is a decoded request the server fully received, kept for
// test assertions on header composition.
type ReceivedRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Server is a scripted, frame-level HTTP/2 server.
type Server struct {
	mu    sync.Mutex
	steps []Step
	step  int

	requestCount atomic.Int64
	requests     []ReceivedRequest
	dropPings    atomic.Bool

	ln net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Server that will answer requests according to steps, in
// order; once steps are exhausted, every further request is accepted with
// status 200 and an empty body.
func New(steps ...Step) *Server {
	return &Server{steps: steps, closed: make(chan struct{})}
}

// Start listens on a TLS loopback socket and begins serving. It advertises
// "h2" over ALPN unless tlsConfig already sets NextProtos, in which case
// that list is kept as-is (tests use this to script an ALPN mismatch).
// It returns the dial address.
func (s *Server) Start(tlsConfig *tls.Config) (string, error) {
	cfg := tlsConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"h2"}
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		return "", fmt.Errorf("mockserver: listen: %w", err)
	}
	s.ln = ln

	go s.acceptLoop()
	return ln.Addr().String(), nil
}

// SetDropPings controls whether the server acknowledges PING frames. A
// connection that stops receiving PING-ACKs is how idle-ping keep-alive
// timeout is exercised: the client's http2.ClientConn.Ping call blocks until
// either an ACK or its own context deadline.
func (s *Server) SetDropPings(drop bool) { s.dropPings.Store(drop) }

// RequestCount returns the number of fully-received requests so far.
func (s *Server) RequestCount() int64 { return s.requestCount.Load() }

// Requests returns every request fully received so far, in arrival order.
func (s *Server) Requests() []ReceivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReceivedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) recordRequest(fields []hpack.HeaderField, body *bytes.Buffer) {
	rr := ReceivedRequest{Headers: map[string]string{}}
	for _, f := range fields {
		switch f.Name {
		case ":method":
			rr.Method = f.Value
		case ":path":
			rr.Path = f.Value
		case ":scheme", ":authority":
			// not needed for assertions
		default:
			rr.Headers[f.Name] = f.Value
		}
	}
	if body != nil {
		rr.Body = append([]byte(nil), body.Bytes()...)
	}

	s.mu.Lock()
	s.requests = append(s.requests, rr)
	s.mu.Unlock()
}

func (s *Server) nextStep() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step >= len(s.steps) {
		return Step{Outcome: OutcomeAccept, Status: 200}
	}
	st := s.steps[s.step]
	s.step++
	if st.Status == 0 {
		st.Status = 200
	}
	return st
}

type serverConn struct {
	conn   net.Conn
	framer *http2.Framer
	enc    *hpack.Encoder
	encBuf *bytes.Buffer
	dec    *hpack.Decoder

	mu       sync.Mutex
	pending  map[uint32]*bytes.Buffer // streamID -> accumulated request body
	headerOf map[uint32][]hpack.HeaderField
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(conn, preface); err != nil {
		return
	}
	if string(preface) != http2.ClientPreface {
		return
	}

	sc := &serverConn{
		conn:     conn,
		framer:   http2.NewFramer(conn, conn),
		encBuf:   &bytes.Buffer{},
		pending:  map[uint32]*bytes.Buffer{},
		headerOf: map[uint32][]hpack.HeaderField{},
	}
	sc.enc = hpack.NewEncoder(sc.encBuf)
	sc.dec = hpack.NewDecoder(4096, nil)

	if err := sc.framer.WriteSettings(); err != nil {
		return
	}

	for {
		fr, err := sc.framer.ReadFrame()
		if err != nil {
			return
		}
		switch f := fr.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := sc.framer.WriteSettingsAck(); err != nil {
					return
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() && !s.dropPings.Load() {
				if err := sc.framer.WritePing(true, f.Data); err != nil {
					return
				}
			}
		case *http2.WindowUpdateFrame:
			// Flow control is not modeled; requests/responses in these
			// tests are small enough to fit the default window.
		case *http2.HeadersFrame:
			fields, err := sc.dec.DecodeFull(f.HeaderBlockFragment())
			if err != nil {
				return
			}
			sc.headerOf[f.StreamID] = fields
			if _, ok := sc.pending[f.StreamID]; !ok {
				sc.pending[f.StreamID] = &bytes.Buffer{}
			}
			if f.StreamEnded() {
				if !s.handleRequest(sc, f.StreamID) {
					return
				}
			}
		case *http2.DataFrame:
			buf := sc.pending[f.StreamID]
			if buf == nil {
				buf = &bytes.Buffer{}
				sc.pending[f.StreamID] = buf
			}
			buf.Write(f.Data())
			if f.StreamEnded() {
				if !s.handleRequest(sc, f.StreamID) {
					return
				}
			}
		case *http2.RSTStreamFrame:
			delete(sc.pending, f.StreamID)
			delete(sc.headerOf, f.StreamID)
		case *http2.GoAwayFrame:
			return
		}
	}
}

// handleRequest runs the next scripted Step against a fully-received
// request and writes the response (or RST_STREAM/GOAWAY). It returns false
// if the connection should be torn down.
func (s *Server) handleRequest(sc *serverConn, streamID uint32) bool {
	body := sc.pending[streamID]
	fields := sc.headerOf[streamID]
	delete(sc.pending, streamID)
	delete(sc.headerOf, streamID)
	s.requestCount.Add(1)
	s.recordRequest(fields, body)

	step := s.nextStep()
	switch step.Outcome {
	case OutcomeRefuseStream:
		return sc.framer.WriteRSTStream(streamID, http2.ErrCodeRefusedStream) == nil
	case OutcomeGoAway:
		return sc.framer.WriteGoAway(0, http2.ErrCodeNo, nil) == nil
	case OutcomeSilent:
		return true
	default:
		return sc.writeResponse(streamID, step)
	}
}

func (sc *serverConn) writeResponse(streamID uint32, step Step) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.encBuf.Reset()
	_ = sc.enc.WriteField(hpack.HeaderField{Name: ":status", Value: fmt.Sprintf("%d", step.Status)})
	for k, v := range step.Headers {
		_ = sc.enc.WriteField(hpack.HeaderField{Name: k, Value: v})
	}
	block := append([]byte(nil), sc.encBuf.Bytes()...)

	endStream := len(step.Body) == 0
	if err := sc.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		return false
	}
	if !endStream {
		if err := sc.framer.WriteData(streamID, true, step.Body); err != nil {
			return false
		}
	}
	return true
}
