// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/anki/vector-go-sdk/credentials"
	"github.com/anki/vector-go-sdk/lib/codec"
)

// Compile-time interface checks.
var (
	_ Dialer  = (*TLSDialer)(nil)
	_ Channel = (*tlsChannel)(nil)
	_ Stream  = (*tlsStream)(nil)
)

// TLSDialer opens TLS channels to robots, pinning the identity's
// stored certificate.
type TLSDialer struct {
	// Timeout is the maximum time to establish the TCP+TLS
	// connection. Zero means only the context deadline applies.
	Timeout time.Duration

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// Dial connects to address and verifies the robot's identity. The
// stored certificate is the sole trust root, the expected server name
// is the robot's display name (its certificate is issued to the name,
// not the address), and the presented leaf certificate's BLAKE3 digest
// must match the stored certificate exactly. A digest mismatch is an
// authentication failure (CodeUnauthenticated) — the connection is
// closed and never returned.
func (d *TLSDialer) Dial(ctx context.Context, address string, identity credentials.Identity) (Channel, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(identity.Cert) == 0 {
		return nil, fmt.Errorf("transport: identity %s has no certificate to pin", identity.Serial)
	}
	if identity.Name == "" {
		return nil, fmt.Errorf("transport: identity %s has no robot name for certificate validation", identity.Serial)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(identity.Cert) {
		return nil, fmt.Errorf("transport: identity %s certificate is not valid PEM", identity.Serial)
	}
	pinned, err := certDigest(identity.Cert)
	if err != nil {
		return nil, err
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout},
		Config: &tls.Config{
			RootCAs:    pool,
			ServerName: identity.Name,
			MinVersion: tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", address, err)
	}

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 || blake3.Sum256(state.PeerCertificates[0].Raw) != pinned {
		conn.Close()
		return nil, &StatusError{
			Code:    CodeUnauthenticated,
			Method:  "dial",
			Message: "robot certificate fingerprint does not match the pinned certificate",
		}
	}

	logger.Info("channel established", "address", address, "robot", identity.Name)
	return newChannel(conn, logger), nil
}

// certDigest returns the BLAKE3 digest of the certificate's DER bytes.
func certDigest(pemBytes []byte) ([32]byte, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return [32]byte{}, fmt.Errorf("transport: stored certificate is not a PEM CERTIFICATE block")
	}
	return blake3.Sum256(block.Bytes), nil
}

// tlsChannel multiplexes unary calls and streams over one connection.
// A single reader goroutine demultiplexes inbound frames by ID; writes
// share one encoder behind a mutex.
type tlsChannel struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	encoder *codec.Encoder

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *frame
	streams map[uint64]*tlsStream

	closeOnce sync.Once
	closeErr  error // set before closed is closed
	closed    chan struct{}
}

func newChannel(conn net.Conn, logger *slog.Logger) *tlsChannel {
	c := &tlsChannel{
		conn:    conn,
		logger:  logger,
		encoder: codec.NewEncoder(conn),
		pending: make(map[uint64]chan *frame),
		streams: make(map[uint64]*tlsStream),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *tlsChannel) Call(ctx context.Context, call Call) ([]byte, error) {
	id, response := c.register()
	defer c.unregister(id)

	payload, compressed := encodePayload(call.Payload)
	err := c.writeFrame(&frame{
		Kind:       kindRequest,
		ID:         id,
		Method:     call.Method,
		Token:      call.Token,
		Seq:        call.Seq,
		Compressed: compressed,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-response:
		if reply.Status != uint32(CodeOK) {
			return nil, &StatusError{Code: Code(reply.Status), Method: call.Method, Message: reply.Error}
		}
		return decodePayload(reply)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.failure(call.Method)
	}
}

func (c *tlsChannel) Ping(ctx context.Context) error {
	id, response := c.register()
	defer c.unregister(id)

	if err := c.writeFrame(&frame{Kind: kindPing, ID: id}); err != nil {
		return err
	}

	select {
	case <-response:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return c.failure("ping")
	}
}

func (c *tlsChannel) OpenStream(ctx context.Context, method, token string) (Stream, error) {
	id, response := c.register()
	defer c.unregister(id)

	stream := &tlsStream{
		channel: c,
		id:      id,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
		remote:  make(chan struct{}),
	}

	// Register the stream before sending the open frame so data racing
	// ahead of the acknowledgement is not lost.
	c.mu.Lock()
	c.streams[id] = stream
	c.mu.Unlock()

	err := c.writeFrame(&frame{Kind: kindStreamOpen, ID: id, Method: method, Token: token})
	if err != nil {
		c.removeStream(id)
		return nil, err
	}

	select {
	case reply := <-response:
		if reply.Status != uint32(CodeOK) {
			c.removeStream(id)
			return nil, &StatusError{Code: Code(reply.Status), Method: method, Message: reply.Error}
		}
		return stream, nil
	case <-ctx.Done():
		c.removeStream(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.removeStream(id)
		return nil, c.failure(method)
	}
}

// Close tears down the connection. Idempotent.
func (c *tlsChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// register allocates a frame ID and a buffered reply slot for it.
func (c *tlsChannel) register() (uint64, chan *frame) {
	id := c.nextID.Add(1)
	response := make(chan *frame, 1)
	c.mu.Lock()
	c.pending[id] = response
	c.mu.Unlock()
	return id, response
}

func (c *tlsChannel) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *tlsChannel) removeStream(id uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// writeFrame encodes one frame onto the connection. A write failure
// poisons the whole channel: the connection is torn down and all
// in-flight work fails.
func (c *tlsChannel) writeFrame(f *frame) error {
	select {
	case <-c.closed:
		return c.failure(f.Method)
	default:
	}

	c.writeMu.Lock()
	err := c.encoder.Encode(f)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(fmt.Errorf("writing frame: %w", err))
		return c.failure(f.Method)
	}
	return nil
}

// readLoop is the single reader. It demultiplexes responses to their
// waiting callers and stream data to stream buffers, preserving wire
// order within each stream.
func (c *tlsChannel) readLoop() {
	decoder := codec.NewDecoder(c.conn)
	for {
		var f frame
		if err := decoder.Decode(&f); err != nil {
			c.shutdown(fmt.Errorf("reading frame: %w", err))
			return
		}

		switch f.Kind {
		case kindResponse, kindPong:
			c.mu.Lock()
			response := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if response != nil {
				response <- &f
			}

		case kindStreamData:
			c.mu.Lock()
			stream := c.streams[f.ID]
			c.mu.Unlock()
			if stream == nil {
				continue
			}
			payload, err := decodePayload(&f)
			if err != nil {
				c.logger.Warn("dropping undecodable stream frame", "stream_id", f.ID, "error", err)
				continue
			}
			// Blocking delivery keeps wire order; the stream buffer is
			// drained promptly by the event dispatcher, which never
			// blocks on its subscribers.
			select {
			case stream.inbound <- payload:
			case <-stream.done:
			case <-stream.remote:
			case <-c.closed:
				return
			}

		case kindStreamClose:
			c.mu.Lock()
			stream := c.streams[f.ID]
			delete(c.streams, f.ID)
			c.mu.Unlock()
			if stream != nil {
				if f.Error != "" {
					stream.closeRemote(fmt.Errorf("%w: robot closed stream: %s", ErrClosed, f.Error))
				} else {
					stream.closeRemote(ErrClosed)
				}
			}

		case kindPing:
			// Robot-initiated keepalive: answer inline. Writes are
			// mutex-guarded, so this cannot interleave with a caller's
			// frame.
			c.writeFrame(&frame{Kind: kindPong, ID: f.ID})

		default:
			c.logger.Warn("ignoring frame of unknown kind", "kind", int(f.Kind), "frame_id", f.ID)
		}
	}
}

// shutdown closes the connection once and fails everything in flight.
func (c *tlsChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		streams := make([]*tlsStream, 0, len(c.streams))
		for _, stream := range c.streams {
			streams = append(streams, stream)
		}
		c.streams = make(map[uint64]*tlsStream)
		c.mu.Unlock()

		for _, stream := range streams {
			stream.closeRemote(c.failure("stream"))
		}
		if cause != nil {
			c.logger.Debug("channel closed", "cause", cause)
		}
	})
}

// failure returns the ErrClosed-wrapping error for in-flight work.
func (c *tlsChannel) failure(method string) error {
	if c.closeErr != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrClosed, c.closeErr)
	}
	return fmt.Errorf("%s: %w", method, ErrClosed)
}

// tlsStream is one stream multiplexed on a tlsChannel.
type tlsStream struct {
	channel *tlsChannel
	id      uint64

	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{} // local close

	remoteOnce sync.Once
	remoteErr  error // set before remote is closed
	remote     chan struct{}
}

func (s *tlsStream) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("send: %w", ErrClosed)
	case <-s.remote:
		return s.remoteErr
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, compressed := encodePayload(payload)
	return s.channel.writeFrame(&frame{
		Kind:       kindStreamData,
		ID:         s.id,
		Compressed: compressed,
		Payload:    data,
	})
}

func (s *tlsStream) Recv(ctx context.Context) ([]byte, error) {
	// Drain buffered payloads before reporting a close, so data that
	// arrived ahead of the close is not lost.
	select {
	case payload := <-s.inbound:
		return payload, nil
	default:
	}

	select {
	case payload := <-s.inbound:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("recv: %w", ErrClosed)
	case <-s.remote:
		select {
		case payload := <-s.inbound:
			return payload, nil
		default:
			return nil, s.remoteErr
		}
	}
}

// Close ends the stream locally and tells the robot. Idempotent.
func (s *tlsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.channel.removeStream(s.id)
		// Best effort: the channel may already be down.
		s.channel.writeFrame(&frame{Kind: kindStreamClose, ID: s.id})
	})
	return nil
}

// closeRemote marks the stream ended by the robot or a channel
// failure. err must wrap ErrClosed.
func (s *tlsStream) closeRemote(err error) {
	s.remoteOnce.Do(func() {
		s.remoteErr = err
		close(s.remote)
	})
}
