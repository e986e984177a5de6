package api

import (
	"context"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/VanDung-dev/HieraChain-TxPool/arrow"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hierachain.txpool.v1.TransactionPool"

// CodecName is the content subtype of the JSON wire codec.
const CodecName = "json"

const (
	methodSubmitBatch        = "/" + ServiceName + "/SubmitBatch"
	methodStreamTransactions = "/" + ServiceName + "/StreamTransactions"
	methodGetCandidates      = "/" + ServiceName + "/GetCandidates"
	methodGetTransaction     = "/" + ServiceName + "/GetTransaction"
	methodHealthCheck        = "/" + ServiceName + "/HealthCheck"
)

// jsonCodec marshals messages with go-json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// TransactionBatch is a batch of serialised signed transactions.
type TransactionBatch struct {
	Transactions [][]byte `json:"transactions"`
}

// BatchResponse reports the admission of a batch.
type BatchResponse struct {
	Results          []arrow.Result `json:"results"`
	Accepted         int            `json:"accepted"`
	Rejected         int            `json:"rejected"`
	Evicted          []string       `json:"evicted,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

// Transaction is one streamed transaction.
type Transaction struct {
	Payload []byte `json:"payload"`
}

// TxStatus is the streamed verdict on one transaction.
type TxStatus struct {
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CandidatesRequest asks for a block candidate list.
type CandidatesRequest struct {
	Validate   bool     `json:"validate"`
	ExcludeIDs []string `json:"exclude_ids,omitempty"`
}

// CandidatesResponse is a block candidate list in block order.
type CandidatesResponse struct {
	Candidates   []arrow.Candidate `json:"candidates"`
	PayloadBytes int               `json:"payload_bytes"`
	// Invalid lists ids dropped from the pool by re-validation.
	Invalid []string `json:"invalid,omitempty"`
}

// GetTransactionRequest looks a pooled transaction up by id.
type GetTransactionRequest struct {
	ID string `json:"id"`
}

// TransactionResponse carries one pooled transaction.
type TransactionResponse struct {
	Transaction arrow.Candidate `json:"transaction"`
}

// Empty is the empty message.
type Empty struct{}

// HealthResponse reports the health of the pool.
type HealthResponse struct {
	Healthy       bool           `json:"healthy"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Error         string         `json:"error,omitempty"`
	Stats         core.PoolStats `json:"stats"`
}

// TransactionPoolServer is the server API of the TransactionPool service.
type TransactionPoolServer interface {
	SubmitBatch(context.Context, *TransactionBatch) (*BatchResponse, error)
	StreamTransactions(grpc.BidiStreamingServer[Transaction, TxStatus]) error
	GetCandidates(context.Context, *CandidatesRequest) (*CandidatesResponse, error)
	GetTransaction(context.Context, *GetTransactionRequest) (*TransactionResponse, error)
	HealthCheck(context.Context, *Empty) (*HealthResponse, error)
}

// RegisterTransactionPoolServer registers srv on s.
func RegisterTransactionPoolServer(s grpc.ServiceRegistrar, srv TransactionPoolServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(TransactionPoolServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TransactionPoolServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TransactionPoolServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamTransactionsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TransactionPoolServer).StreamTransactions(&grpc.GenericServerStream[Transaction, TxStatus]{ServerStream: stream})
}

// ServiceDesc describes the TransactionPool service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransactionPoolServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitBatch",
			Handler:    unaryHandler(methodSubmitBatch, TransactionPoolServer.SubmitBatch),
		},
		{
			MethodName: "GetCandidates",
			Handler:    unaryHandler(methodGetCandidates, TransactionPoolServer.GetCandidates),
		},
		{
			MethodName: "GetTransaction",
			Handler:    unaryHandler(methodGetTransaction, TransactionPoolServer.GetTransaction),
		},
		{
			MethodName: "HealthCheck",
			Handler:    unaryHandler(methodHealthCheck, TransactionPoolServer.HealthCheck),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTransactions",
			Handler:       streamTransactionsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "txpool.v1",
}

// Client calls the TransactionPool service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// SubmitBatch submits serialised transactions.
func (c *Client) SubmitBatch(ctx context.Context, in *TransactionBatch, opts ...grpc.CallOption) (*BatchResponse, error) {
	out := new(BatchResponse)
	if err := c.cc.Invoke(ctx, methodSubmitBatch, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamTransactions opens a bidirectional admission stream.
func (c *Client) StreamTransactions(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[Transaction, TxStatus], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodStreamTransactions, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[Transaction, TxStatus]{ClientStream: stream}, nil
}

// GetCandidates fetches a block candidate list.
func (c *Client) GetCandidates(ctx context.Context, in *CandidatesRequest, opts ...grpc.CallOption) (*CandidatesResponse, error) {
	out := new(CandidatesResponse)
	if err := c.cc.Invoke(ctx, methodGetCandidates, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction fetches one pooled transaction.
func (c *Client) GetTransaction(ctx context.Context, in *GetTransactionRequest, opts ...grpc.CallOption) (*TransactionResponse, error) {
	out := new(TransactionResponse)
	if err := c.cc.Invoke(ctx, methodGetTransaction, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheck reports the pool health.
func (c *Client) HealthCheck(ctx context.Context, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, methodHealthCheck, &Empty{}, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
