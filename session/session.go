// Package session runs the graphql-ws protocol for one websocket connection:
// it multiplexes operations over the socket and owns the connection's
// subscription registry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"subscription-service/auth"
	"subscription-service/internal/consts"
	"subscription-service/schema"
	"subscription-service/subscription"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrUnauthorized = errors.New("connection_init rejected")

// Conn is the message transport under a session.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Authenticator resolves the credential sent in connection_init.
type Authenticator interface {
	IdentityFromHeader(h string) (auth.Identity, error)
}

// Executor runs GraphQL operations.
type Executor interface {
	Execute(ctx context.Context, req schema.Request) schema.Result
}

// Config selects the handshake variant.
type Config struct {
	// RequireInit keeps the session in CONNECTING until a valid
	// connection_init arrives. Without it the session is OPEN on accept.
	RequireInit bool
	// Auth validates connection_init credentials. When nil credentials are
	// not inspected.
	Auth Authenticator
	// WriteTimeout bounds a single outbound message (default: 10s).
	WriteTimeout time.Duration
}

type message struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type dataMessage struct {
	ID      json.RawMessage `json:"id"`
	Type    string          `json:"type"`
	Payload schema.Payload  `json:"payload"`
}

type operation struct {
	id     json.RawMessage
	ctx    context.Context
	cancel context.CancelFunc
}

// Session is one websocket connection.
type Session struct {
	conn   Conn
	exec   Executor
	reg    *subscription.Registry
	cfg    Config
	logger *log.Logger
	log    *log.Entry

	state atomic.Int32

	// execCtx is the resolver context: registry plus identity once known.
	// Only the read loop touches it.
	execCtx context.Context

	writeMu sync.Mutex

	mu  sync.Mutex
	ops map[string]*operation
	wg  sync.WaitGroup
}

// New creates a session. reg is owned by the session and closed when it ends.
func New(conn Conn, exec Executor, reg *subscription.Registry, cfg Config, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Session{
		conn:   conn,
		exec:   exec,
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		log:    logger.WithField("connection", reg.ID()),
		ops:    make(map[string]*operation),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Operations reports how many operations are active.
func (s *Session) Operations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Serve processes inbound messages until the client disconnects or
// terminates. Teardown cancels every operation and closes the registry.
// A read error after the peer went away is returned as is.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.teardown(cancel)

	s.execCtx = subscription.WithRegistry(ctx, s.reg)
	if !s.cfg.RequireInit {
		s.state.Store(int32(StateOpen))
	}
	s.log.WithField("state", s.State()).Debug("session started")

	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg message
		if err := sonic.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.log.Debug("ignoring malformed message")
			continue
		}
		if s.State() == StateConnecting && msg.Type != consts.GQLConnectionInit {
			s.log.WithField("type", msg.Type).Debug("ignoring message before connection_init")
			continue
		}

		switch msg.Type {
		case consts.GQLConnectionInit:
			if err := s.handleInit(ctx, msg.Payload); err != nil {
				return err
			}
		case consts.GQLStart:
			s.start(ctx, msg)
		case consts.GQLStop:
			s.stop(msg.ID)
		case consts.GQLConnectionTerminate:
			s.state.Store(int32(StateClosed))
			return s.conn.Close(consts.CloseNormal, "")
		default:
			s.log.WithField("type", msg.Type).Debug("ignoring unknown message type")
		}
	}
}

func (s *Session) teardown(cancel context.CancelFunc) {
	s.state.Store(int32(StateClosed))
	cancel()
	s.wg.Wait()
	if err := s.reg.Close(); err != nil {
		s.log.WithError(err).Warn("registry close")
	}
	s.log.Debug("session closed")
}

func (s *Session) handleInit(ctx context.Context, payload json.RawMessage) error {
	if s.cfg.Auth != nil {
		cred, present := credential(payload)
		if present || s.cfg.RequireInit {
			id, err := s.cfg.Auth.IdentityFromHeader(cred)
			if err != nil {
				s.log.WithError(err).Warn("connection_init rejected")
				_ = s.conn.Close(consts.CloseUnauthorized, "unauthorized")
				return fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			s.execCtx = auth.WithIdentity(s.execCtx, id)
			s.log = s.log.WithField("sub", id.Subject)
		}
	}
	s.state.Store(int32(StateOpen))
	return s.write(ctx, nil, message{Type: consts.GQLConnectionAck})
}

// credential finds an authorization value in a connection_init payload.
func credential(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var fields map[string]any
	if err := sonic.Unmarshal(payload, &fields); err != nil {
		// a payload that is not an object still counts as a (bad) credential
		return string(payload), true
	}
	for _, key := range []string{"authorization", "Authorization", "authToken", "token"} {
		if v, ok := fields[key]; ok {
			str, _ := v.(string)
			return str, true
		}
	}
	return "", false
}

func (s *Session) start(ctx context.Context, msg message) {
	if len(msg.ID) == 0 {
		s.log.Debug("ignoring start without id")
		return
	}
	var req schema.Request
	if err := sonic.Unmarshal(msg.Payload, &req); err != nil {
		s.log.WithError(err).Debug("ignoring start with malformed payload")
		return
	}
	key := string(msg.ID)
	// a start for an id that is still running replaces it
	s.stop(msg.ID)

	opCtx, cancel := context.WithCancel(s.execCtx)
	op := &operation{id: msg.ID, ctx: opCtx, cancel: cancel}
	metrics, opCtx := newOperationMetrics(opCtx, s.logger, s.reg.ID(), key, schema.OperationType(req))

	res := s.exec.Execute(opCtx, req)
	if !res.Streaming() {
		err := s.write(op.ctx, op, dataMessage{ID: op.id, Type: consts.GQLData, Payload: res.Payload})
		metrics.ObserveMessage(res.Payload)
		metrics.Finish("completed", err)
		cancel()
		return
	}

	s.mu.Lock()
	s.ops[key] = op
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forward(ctx, op, res.Stream, metrics)
}

func (s *Session) forward(ctx context.Context, op *operation, payloads <-chan schema.Payload, metrics *operationMetrics) {
	defer s.wg.Done()
	var writeErr error
	for p := range payloads {
		if writeErr != nil || op.ctx.Err() != nil {
			continue
		}
		if err := s.write(ctx, op, dataMessage{ID: op.id, Type: consts.GQLData, Payload: p}); err != nil {
			if !errors.Is(err, errStopped) {
				writeErr = err
				op.cancel()
			}
			continue
		}
		metrics.ObserveMessage(p)
	}

	reason := "completed"
	switch {
	case writeErr != nil:
		reason = "write_failed"
	case op.ctx.Err() != nil:
		reason = "stopped"
	}
	metrics.Finish(reason, writeErr)
	s.remove(op)
	op.cancel()
}

func (s *Session) stop(id json.RawMessage) {
	if len(id) == 0 {
		return
	}
	s.mu.Lock()
	op, ok := s.ops[string(id)]
	if ok {
		delete(s.ops, string(id))
	}
	s.mu.Unlock()
	if ok {
		op.cancel()
	}
}

func (s *Session) remove(op *operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(op.id)
	if cur, ok := s.ops[key]; ok && cur == op {
		delete(s.ops, key)
	}
}

var errStopped = errors.New("operation stopped")

// write serializes v and sends it. When op is set and has been stopped
// nothing is written.
func (s *Session) write(ctx context.Context, op *operation, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if op != nil && op.ctx.Err() != nil {
		return errStopped
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, data)
}
