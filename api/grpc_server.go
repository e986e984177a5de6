// Package api exposes the transaction pool over gRPC, an Arrow IPC TCP
// ingress and a Prometheus metrics endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraChain-TxPool/arrow"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Version is the current version of the transaction pool node.
const Version = "0.2.0"

// Server implements the TransactionPool gRPC service over a core.Pool.
type Server struct {
	pool    *core.Pool
	metrics *Metrics
	log     *zap.Logger
	config  ServerConfig

	grpcServer *grpc.Server
	startTime  time.Time

	running bool
	mu      sync.RWMutex
}

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// Address to listen on (e.g., ":50051")
	Address string

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":50051",
		MaxRecvMsgSize: 16 * 1024 * 1024, // 16MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// NewServer creates a gRPC server for pool. metrics may be nil.
func NewServer(pool *core.Pool, config *ServerConfig, metrics *Metrics, log *zap.Logger) (*Server, error) {
	if pool == nil {
		return nil, errors.New("server requires a pool")
	}
	if config == nil {
		config = DefaultServerConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		pool:      pool,
		metrics:   metrics,
		log:       log.Named("grpc"),
		config:    *config,
		startTime: time.Now(),
	}
	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.unaryInterceptor),
		grpc.ChainStreamInterceptor(s.streamInterceptor),
	)
	RegisterTransactionPoolServer(s.grpcServer, s)
	return s, nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.log.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.grpcServer.GracefulStop()
}

// SubmitBatch admits a batch of transactions.
func (s *Server) SubmitBatch(ctx context.Context, req *TransactionBatch) (*BatchResponse, error) {
	if req == nil || len(req.Transactions) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty transaction batch")
	}

	start := time.Now()
	res, err := s.pool.Submit(ctx, req.Transactions)
	if err != nil {
		return nil, toStatus(err)
	}
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordBatch(len(req.Transactions), elapsed)
	}

	results := arrow.ResultsFromBatch(res)
	rejected := len(res.Rejected())
	return &BatchResponse{
		Results:          results,
		Accepted:         len(results) - rejected,
		Rejected:         rejected,
		Evicted:          res.Evicted,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

// StreamTransactions admits streamed transactions one at a time.
func (s *Server) StreamTransactions(stream grpc.BidiStreamingServer[Transaction, TxStatus]) error {
	for {
		tx, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Internal, "failed to receive transaction: %v", err)
		}

		res, err := s.pool.Submit(stream.Context(), [][]byte{tx.Payload})
		if err != nil {
			return toStatus(err)
		}
		r := arrow.ResultsFromBatch(res)[0]
		txStatus := &TxStatus{
			ID:        r.ID,
			Status:    r.Status,
			Code:      r.Code,
			Error:     r.Error,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := stream.Send(txStatus); err != nil {
			return status.Errorf(codes.Internal, "failed to send status: %v", err)
		}
	}
}

// GetCandidates returns the current block candidate list.
func (s *Server) GetCandidates(_ context.Context, req *CandidatesRequest) (*CandidatesResponse, error) {
	if err := s.pool.Err(); err != nil {
		return nil, toStatus(err)
	}
	c := s.pool.Candidates(req.Validate, req.ExcludeIDs)
	resp := &CandidatesResponse{
		Candidates:   make([]arrow.Candidate, len(c.Transactions)),
		PayloadBytes: c.PayloadBytes,
	}
	for i, tx := range c.Transactions {
		resp.Candidates[i] = arrow.CandidateFrom(tx)
	}
	for _, tx := range c.Invalid {
		resp.Invalid = append(resp.Invalid, tx.ID)
	}
	return resp, nil
}

// GetTransaction returns one pooled transaction.
func (s *Server) GetTransaction(_ context.Context, req *GetTransactionRequest) (*TransactionResponse, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "transaction id is required")
	}
	tx, ok := s.pool.Get(req.ID)
	if !ok {
		return nil, toStatus(fmt.Errorf("%w: %s", engine.ErrNotFound, req.ID))
	}
	return &TransactionResponse{Transaction: arrow.CandidateFrom(tx)}, nil
}

// HealthCheck returns the health status of the pool.
func (s *Server) HealthCheck(context.Context, *Empty) (*HealthResponse, error) {
	s.mu.RLock()
	running := s.running
	startTime := s.startTime
	s.mu.RUnlock()

	resp := &HealthResponse{
		Healthy:       running,
		Version:       Version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Stats:         s.pool.Stats(),
	}
	if err := s.pool.Err(); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.record(info.FullMethod, err, start)
	return resp, err
}

func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.record(info.FullMethod, err, start)
	return err
}

func (s *Server) record(method string, err error, start time.Time) {
	code := status.Code(err)
	if code != codes.OK && code != codes.InvalidArgument && code != codes.NotFound {
		s.log.Warn("request failed", zap.String("method", method), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordGRPCRequest(method, code.String(), time.Since(start))
	}
}

// toStatus maps a pool error to a gRPC status error.
func toStatus(err error) error {
	var c codes.Code
	switch {
	case errors.Is(err, core.ErrTooManyTransactions), errors.Is(err, engine.ErrTooLarge):
		c = codes.InvalidArgument
	case errors.Is(err, engine.ErrPoolFull):
		c = codes.ResourceExhausted
	case errors.Is(err, core.ErrHalted), errors.Is(err, core.ErrProcessorStopped):
		c = codes.Unavailable
	case errors.Is(err, engine.ErrNotFound):
		c = codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		c = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		c = codes.Canceled
	default:
		c = codes.Internal
	}
	return status.Errorf(c, "%s: %v", engine.Code(err), err)
}
