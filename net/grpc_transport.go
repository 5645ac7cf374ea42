package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	defaultGRPCCallTimeout = 100 * time.Millisecond
	defaultGRPCInbox       = 1024
)

// GRPCTransportCfg configures the remote-call transport.
type GRPCTransportCfg struct {
	// Addr overrides the listen address derived from the local endpoint.
	Addr string `mapstructure:"addr"`
	// CallTimeout bounds each unary call.
	CallTimeout time.Duration `mapstructure:"callTimeout"`
	// InboxSize buffers inbound envelopes when no handler is attached.
	InboxSize int `mapstructure:"inboxSize"`
}

// GetName returns the configuration name for GRPCTransportCfg
func (c *GRPCTransportCfg) GetName() string {
	return "grpc_transport"
}

// Validate validates the GRPCTransportCfg parameters
func (c *GRPCTransportCfg) Validate() error {
	if c.CallTimeout < 0 {
		return fmt.Errorf("CallTimeout cannot be negative")
	}
	if c.InboxSize < 0 {
		return fmt.Errorf("InboxSize cannot be negative")
	}
	return nil
}

// GRPCTransport sends each envelope as a unary SendMessage call and serves the
// same method for inbound traffic. Client channels are cached per target.
type GRPCTransport struct {
	*GRPCTransportCfg
	srv      *grpc.Server
	lis      net.Listener
	receiver DispatcherReceiver
	inbox    chan []byte
	logger   log.Logger

	dialOpts []grpc.DialOption
	lock     sync.RWMutex
	conns    map[string]*grpc.ClientConn

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewGRPCTransport creates a remote-call transport. A nil cfg uses defaults.
func NewGRPCTransport(cfg *GRPCTransportCfg) *GRPCTransport {
	if cfg == nil {
		cfg = &GRPCTransportCfg{}
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = defaultGRPCInbox
	}
	return &GRPCTransport{
		GRPCTransportCfg: cfg,
		conns:            make(map[string]*grpc.ClientConn),
		dialOpts:         []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		inbox:            make(chan []byte, cfg.InboxSize),
	}
}

// SetListener makes Start serve on lis instead of opening a TCP listener.
func (t *GRPCTransport) SetListener(lis net.Listener) {
	t.lis = lis
}

// SetDialOptions replaces the options used for new client channels.
func (t *GRPCTransport) SetDialOptions(opts ...grpc.DialOption) {
	t.dialOpts = append([]grpc.DialOption{}, opts...)
}

func (t *GRPCTransport) Name() string {
	return "grpc"
}

// FactoryName implements plugin.Plugin.
func (t *GRPCTransport) FactoryName() string {
	return t.Name()
}

// ListenAddr returns the address the server listens on, once started.
func (t *GRPCTransport) ListenAddr() string {
	if t.lis == nil {
		return ""
	}
	return t.lis.Addr().String()
}

func (t *GRPCTransport) Start(opt TransportOption) error {
	if t.running.Load() {
		return errors.New("grpc transport already started")
	}
	t.receiver = opt.Handler
	t.logger = opt.logger()
	if opt.CallTimeout > 0 && t.CallTimeout == 0 {
		t.CallTimeout = opt.CallTimeout
	}
	if t.CallTimeout == 0 {
		t.CallTimeout = defaultGRPCCallTimeout
	}

	if t.lis == nil {
		addr := t.GRPCTransportCfg.Addr
		if addr == "" {
			addr = opt.Local.Addr()
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(ErrTransportUnavailable, "listen %s: %v", addr, err)
		}
		t.lis = lis
	}

	t.srv = grpc.NewServer()
	t.srv.RegisterService(&dcfServiceDesc, &grpcServer{t: t})
	t.running.Store(true)

	t.wg.Add(1)
	go func(srv *grpc.Server, lis net.Listener) {
		defer t.wg.Done()
		if err := srv.Serve(lis); err != nil && t.running.Load() {
			t.logger.Error().Err(err).Msg("grpc serve stopped")
		}
	}(t.srv, t.lis)
	return nil
}

func (t *GRPCTransport) clientConn(addr string) (*grpc.ClientConn, error) {
	t.lock.RLock()
	conn, ok := t.conns[addr]
	t.lock.RUnlock()
	if ok {
		return conn, nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient("passthrough:///"+addr, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

// Send issues one unary call. The reply carries nothing; only the error
// matters.
func (t *GRPCTransport) Send(data []byte, to Endpoint) error {
	if !t.running.Load() {
		return errors.Wrap(ErrTransportUnavailable, "grpc transport not running")
	}
	addr := to.Addr()
	conn, err := t.clientConn(addr)
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "grpc channel %s: %v", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.CallTimeout)
	defer cancel()
	if err := sendMessage(ctx, conn, data); err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_send_error_total", 1, metrics.Dimension{"transport_type": "grpc"})
		return errors.Wrapf(ErrTransportUnavailable, "grpc call %s: %v", addr, err)
	}
	return nil
}

// PollInbound drains envelopes buffered while no handler was attached.
func (t *GRPCTransport) PollInbound() [][]byte {
	var out [][]byte
	for {
		select {
		case b := <-t.inbox:
			out = append(out, b)
		default:
			return out
		}
	}
}

func (t *GRPCTransport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	t.srv.Stop()
	t.wg.Wait()

	t.lock.Lock()
	defer t.lock.Unlock()
	var firstErr error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, addr)
	}
	return firstErr
}

type grpcServer struct {
	t *GRPCTransport
}

func (s *grpcServer) SendMessage(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	td := &TransportDelivery{Data: in.GetValue(), Transport: "grpc"}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		td.From = p.Addr.String()
	}

	if s.t.receiver != nil {
		// Filter rejections are the dispatcher's business; the caller always
		// gets an empty reply.
		_ = s.t.receiver.OnRecvTransportPkg(td)
		return new(emptypb.Empty), nil
	}

	select {
	case s.t.inbox <- td.Data:
	default:
		metrics.IncrCounterWithDimGroup("net", "transport_recv_dropped_total", 1, metrics.Dimension{"transport_type": "grpc"})
	}
	return new(emptypb.Empty), nil
}
