package rpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

const (
	codecName     = "shelf"
	callMethod    = "/shelf.Node/Call"
	secretHeader  = "x-shelf-rpc-secret"
	maxMessageLen = 64 << 20
)

// Envelope fields.
const (
	fieldReqEndpoint = 1
	fieldReqFrom     = 2
	fieldReqBody     = 3

	fieldRespBody    = 1
	fieldRespErrCode = 2
	fieldRespErrMsg  = 3
)

// frame carries already-encoded bytes through grpc.
type frame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// nodeService is implemented by GRPCServer.
type nodeService interface {
	call(ctx context.Context, in *frame) (*frame, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeService).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(nodeService).call(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: "shelf.Node",
	HandlerType: (*nodeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shelf/node",
}

// GRPCServer answers calls from other nodes by dispatching them to the local System.
type GRPCServer struct {
	sys    *System
	secret string
	logger *zap.Logger
	server *grpc.Server
}

// NewGRPCServer creates the inter-node server. Every call must carry secret.
func NewGRPCServer(sys *System, secret string, logger *zap.Logger) *GRPCServer {
	s := &GRPCServer{sys: sys, secret: secret, logger: logger}
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.authenticate),
		grpc.MaxRecvMsgSize(maxMessageLen),
		grpc.MaxSendMsgSize(maxMessageLen),
	)
	s.server.RegisterService(&nodeServiceDesc, s)
	return s
}

func (s *GRPCServer) authenticate(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	got := md.Get(secretHeader)
	if len(got) != 1 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(s.secret)) != 1 {
		return nil, status.Error(codes.Unauthenticated, "invalid rpc secret")
	}
	return handler(ctx, req)
}

func (s *GRPCServer) call(ctx context.Context, in *frame) (*frame, error) {
	var endpoint, from string
	var body []byte
	err := Decode(in.data, func(f Field) error {
		switch f.Num {
		case fieldReqEndpoint:
			endpoint = f.Str()
		case fieldReqFrom:
			from = f.Str()
		case fieldReqBody:
			body = f.Bytes
		}
		return nil
	})
	if err != nil {
		return nil, storageerrors.InvalidArgument("malformed rpc frame", err).ToGRPCStatus().Err()
	}

	resp, err := s.sys.Dispatch(ctx, from, endpoint, body)
	enc := NewEncoder(len(resp) + 16)
	if err != nil {
		s.logger.Debug("RPC handler failed",
			zap.String("endpoint", endpoint),
			zap.String("from", from),
			zap.Error(err))
		enc.Uint64(fieldRespErrCode, uint64(storageerrors.GetCode(err))).
			String(fieldRespErrMsg, err.Error())
	} else {
		enc.Bytes(fieldRespBody, resp)
	}
	return &frame{data: enc.Encode()}, nil
}

// Serve accepts connections on lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("RPC server listening", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop waits for in-flight calls and stops the server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

// GRPCTransport calls other nodes over gRPC, one connection per peer.
type GRPCTransport struct {
	sys    *System
	secret string
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a transport resolving peer addresses through sys.
func NewGRPCTransport(sys *System, secret string, logger *zap.Logger) *GRPCTransport {
	return &GRPCTransport{
		sys:    sys,
		secret: secret,
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) conn(to string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	addr, ok := t.sys.Addr(to)
	if !ok {
		return nil, storageerrors.Unavailable(fmt.Sprintf("no address known for node %s", to), nil)
	}
	c, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMessageLen),
			grpc.MaxCallSendMsgSize(maxMessageLen),
		),
	)
	if err != nil {
		return nil, storageerrors.Unavailable(fmt.Sprintf("failed to connect to %s at %s", to, addr), err)
	}
	t.conns[to] = c
	return c, nil
}

func (t *GRPCTransport) Call(ctx context.Context, from, to, endpoint string, req []byte) ([]byte, error) {
	c, err := t.conn(to)
	if err != nil {
		return nil, err
	}

	in := &frame{data: NewEncoder(len(req)+len(endpoint)+len(from)+16).
		String(fieldReqEndpoint, endpoint).
		String(fieldReqFrom, from).
		Bytes(fieldReqBody, req).
		Encode()}
	out := new(frame)

	ctx = metadata.AppendToOutgoingContext(ctx, secretHeader, t.secret)
	if err := c.Invoke(ctx, callMethod, in, out); err != nil {
		return nil, storageerrors.FromGRPC(err)
	}

	var (
		body    []byte
		errCode storageerrors.ErrorCode
		errMsg  string
	)
	err = Decode(out.data, func(f Field) error {
		switch f.Num {
		case fieldRespBody:
			body = f.Bytes
		case fieldRespErrCode:
			errCode = storageerrors.ErrorCode(f.Varint)
		case fieldRespErrMsg:
			errMsg = f.Str()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if errCode != storageerrors.ErrCodeOK {
		return nil, storageerrors.NewStorageError(errCode, fmt.Sprintf("%s on %s: %s", endpoint, to, errMsg), nil)
	}
	return body, nil
}

// Close drops every peer connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		if err := c.Close(); err != nil {
			t.logger.Warn("Failed to close peer connection", zap.String("node_id", id), zap.Error(err))
		}
		delete(t.conns, id)
	}
	return nil
}
