package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/arrow"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
)

var errServerStopped = errors.New("server is stopped")

// ArrowServerConfig holds configuration for the Arrow ingress.
type ArrowServerConfig struct {
	Address        string
	MaxMessageSize int
	// AuthToken enables the handshake when set.
	AuthToken string
	// HandshakeTimeout bounds the wait for the auth message.
	HandshakeTimeout time.Duration
}

// DefaultArrowServerConfig returns an ArrowServerConfig with sensible defaults.
func DefaultArrowServerConfig() *ArrowServerConfig {
	return &ArrowServerConfig{
		Address:          ":50052",
		MaxMessageSize:   16 * 1024 * 1024,
		HandshakeTimeout: 5 * time.Second,
	}
}

// ArrowServer is a TCP server that admits Arrow IPC transaction batches.
type ArrowServer struct {
	config  ArrowServerConfig
	handler *ArrowHandler
	auth    *Authenticator
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewArrowServer creates an Arrow ingress for pool. metrics may be nil.
func NewArrowServer(pool *core.Pool, config *ArrowServerConfig, metrics *Metrics, log *zap.Logger) *ArrowServer {
	if config == nil {
		config = DefaultArrowServerConfig()
	}
	if config.MaxMessageSize <= 0 || config.MaxMessageSize > MaxMessageSize {
		config.MaxMessageSize = MaxMessageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ArrowServer{
		config:  *config,
		handler: NewArrowHandler(pool, metrics),
		auth:    NewAuthenticator(AuthConfigFromToken(config.AuthToken)),
		log:     log.Named("arrow"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address without serving.
func (s *ArrowServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}
	if s.ctx.Err() != nil {
		return errServerStopped
	}

	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = lis
	s.running = true
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *ArrowServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and accepts connections until Stop.
func (s *ArrowServer) Start() error {
	if err := s.Listen(); err != nil {
		if errors.Is(err, errServerStopped) {
			return nil
		}
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Stop.
func (s *ArrowServer) Serve() error {
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis == nil {
		return errors.New("server is not listening")
	}
	s.log.Info("Arrow server listening",
		zap.String("address", lis.Addr().String()),
		zap.Bool("auth", s.auth.IsEnabled()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and every open connection. A stopped server
// cannot be restarted.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	s.cancel()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if err := s.listener.Close(); err != nil {
		s.log.Debug("closing listener", zap.Error(err))
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// handleConnection serves one client connection.
func (s *ArrowServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	if err := s.handshake(conn); err != nil {
		log.Warn("handshake failed", zap.Error(err))
		return
	}

	for {
		data, err := ReadMessageLimit(conn, s.config.MaxMessageSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		frame, body := FrameOK, []byte(nil)
		response, err := s.handler.ProcessBatch(s.ctx, data)
		if err != nil {
			log.Debug("batch failed", zap.Error(err))
			frame, body = FrameError, []byte(err.Error())
		} else {
			body = response
		}

		if err := WriteResponse(conn, frame, body); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func (s *ArrowServer) handshake(conn net.Conn) error {
	if !s.auth.IsEnabled() {
		return nil
	}
	if s.config.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
			return err
		}
		defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	data, err := ReadMessageLimit(conn, 4096)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	var msg AuthMessage
	authErr := json.Unmarshal(data, &msg)
	if authErr == nil && msg.Type != "auth" {
		authErr = ErrAuthRequired
	}
	if authErr == nil {
		authErr = s.auth.ValidateToken(msg.Token)
	}

	resp := AuthResponse{Success: authErr == nil}
	if authErr != nil {
		resp.Error = ErrAuthFailed.Error()
	}
	out, err := json.Marshal(&resp)
	if err != nil {
		return err
	}
	if err := WriteMessage(conn, out); err != nil {
		return err
	}
	if authErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, authErr)
	}
	return nil
}

// ArrowClient submits transaction batches to an ArrowServer.
type ArrowClient struct {
	conn      net.Conn
	converter *arrow.Converter
}

// DialArrow connects to address and performs the handshake when token is set.
func DialArrow(ctx context.Context, address, token string) (*ArrowClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c := &ArrowClient{conn: conn, converter: arrow.NewConverter()}
	if token == "" {
		return c, nil
	}

	hello, err := json.Marshal(&AuthMessage{Type: "auth", Token: token})
	if err == nil {
		err = WriteMessage(conn, hello)
	}
	var data []byte
	if err == nil {
		data, err = ReadMessage(conn)
	}
	var resp AuthResponse
	if err == nil {
		err = json.Unmarshal(data, &resp)
	}
	if err == nil && !resp.Success {
		err = fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// SubmitBatch sends payloads and waits for their admission results.
func (c *ArrowClient) SubmitBatch(payloads [][]byte) ([]arrow.Result, error) {
	data, err := c.converter.EncodePayloads(payloads)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(c.conn, data); err != nil {
		return nil, err
	}
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return nil, err
	}
	frame, body, err := SplitResponse(msg)
	if err != nil {
		return nil, err
	}
	if frame == FrameError {
		return nil, fmt.Errorf("server error: %s", body)
	}
	return c.converter.DecodeResults(body)
}

// Close closes the connection.
func (c *ArrowClient) Close() error { return c.conn.Close() }
