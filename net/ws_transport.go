package net

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	"go.uber.org/atomic"
)

const (
	defaultWSPath             = "/dcf"
	defaultWSHandshakeTimeout = time.Second
	defaultWSWriteTimeout     = 100 * time.Millisecond
	defaultWSInbox            = 1024
	defaultWSReadLimit        = 4096
)

// WSTransportCfg configures the message-stream transport.
type WSTransportCfg struct {
	Addr             string        `mapstructure:"addr"`
	Path             string        `mapstructure:"path"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	InboxSize        int           `mapstructure:"inboxSize"`
	ReadLimit        int64         `mapstructure:"readLimit"`
}

// GetName returns the configuration name for WSTransportCfg
func (c *WSTransportCfg) GetName() string {
	return "ws_transport"
}

// Validate validates the WSTransportCfg parameters
func (c *WSTransportCfg) Validate() error {
	if c.HandshakeTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if c.InboxSize < 0 {
		return fmt.Errorf("InboxSize cannot be negative")
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("ReadLimit cannot be negative")
	}
	return nil
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) write(data []byte, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WSTransport keeps one outbound stream per target and accepts inbound
// streams on an HTTP upgrade endpoint. Each binary frame carries exactly one
// envelope.
type WSTransport struct {
	*WSTransportCfg
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	srv      *http.Server
	lis      net.Listener
	inbox    chan []byte
	logger   log.Logger

	lock    sync.Mutex
	out     map[string]*wsConn
	inbound map[*websocket.Conn]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewWSTransport creates a message-stream transport. A nil cfg uses defaults.
func NewWSTransport(cfg *WSTransportCfg) *WSTransport {
	if cfg == nil {
		cfg = &WSTransportCfg{}
	}
	if cfg.Path == "" {
		cfg.Path = defaultWSPath
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultWSHandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWSWriteTimeout
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = defaultWSInbox
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = defaultWSReadLimit
	}
	return &WSTransport{
		WSTransportCfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		inbox:   make(chan []byte, cfg.InboxSize),
		out:     make(map[string]*wsConn),
		inbound: make(map[*websocket.Conn]struct{}),
	}
}

func (t *WSTransport) Name() string {
	return "websocket"
}

// FactoryName implements plugin.Plugin.
func (t *WSTransport) FactoryName() string {
	return t.Name()
}

// ListenAddr returns the address the upgrade endpoint listens on.
func (t *WSTransport) ListenAddr() string {
	if t.lis == nil {
		return ""
	}
	return t.lis.Addr().String()
}

func (t *WSTransport) Start(opt TransportOption) error {
	if t.running.Load() {
		return errors.New("websocket transport already started")
	}
	t.logger = opt.logger()

	addr := t.WSTransportCfg.Addr
	if addr == "" {
		addr = opt.Local.Addr()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "listen %s: %v", addr, err)
	}
	t.lis = lis

	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.serveUpgrade)
	t.srv = &http.Server{Handler: mux, ReadHeaderTimeout: t.HandshakeTimeout}
	t.running.Store(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error().Err(err).Msg("websocket serve stopped")
		}
	}()
	return nil
}

func (t *WSTransport) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.running.Load() {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(t.ReadLimit)

	t.lock.Lock()
	t.inbound[conn] = struct{}{}
	t.lock.Unlock()

	t.wg.Add(1)
	go t.readLoop(conn)
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	defer func() {
		t.lock.Lock()
		delete(t.inbound, conn)
		t.lock.Unlock()
		_ = conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if t.running.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("websocket read ended")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case t.inbox <- data:
		default:
			metrics.IncrCounterWithDimGroup("net", "transport_recv_dropped_total", 1, metrics.Dimension{"transport_type": "websocket"})
		}
	}
}

func (t *WSTransport) stream(addr string) (*wsConn, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if c, ok := t.out[addr]; ok {
		return c, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.HandshakeTimeout)
	defer cancel()
	conn, _, err := t.dialer.DialContext(ctx, "ws://"+addr+t.Path, nil)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn}
	t.out[addr] = c

	// Drain control frames so close and ping from the peer are handled.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				t.dropStream(addr, c)
				return
			}
		}
	}()
	return c, nil
}

func (t *WSTransport) dropStream(addr string, c *wsConn) {
	t.lock.Lock()
	if cur, ok := t.out[addr]; ok && cur == c {
		delete(t.out, addr)
	}
	t.lock.Unlock()
	_ = c.conn.Close()
}

// Send writes one binary frame on the stream to the target, dialing it on
// first use. A failed write discards the stream so the next send redials.
func (t *WSTransport) Send(data []byte, to Endpoint) error {
	if !t.running.Load() {
		return errors.Wrap(ErrTransportUnavailable, "websocket transport not running")
	}
	addr := to.Addr()
	c, err := t.stream(addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_send_error_total", 1, metrics.Dimension{"transport_type": "websocket"})
		return errors.Wrapf(ErrTransportUnavailable, "dial %s: %v", addr, err)
	}
	if err := c.write(data, t.WriteTimeout); err != nil {
		t.dropStream(addr, c)
		metrics.IncrCounterWithDimGroup("net", "transport_send_error_total", 1, metrics.Dimension{"transport_type": "websocket"})
		return errors.Wrapf(ErrTransportUnavailable, "write %s: %v", addr, err)
	}
	return nil
}

// PollInbound drains frames buffered by the reader goroutines.
func (t *WSTransport) PollInbound() [][]byte {
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

func (t *WSTransport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.HandshakeTimeout)
	defer cancel()
	err := t.srv.Shutdown(ctx)

	t.lock.Lock()
	for addr, c := range t.out {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(t.WriteTimeout))
		c.wmu.Unlock()
		_ = c.conn.Close()
		delete(t.out, addr)
	}
	for conn := range t.inbound {
		_ = conn.Close()
	}
	t.lock.Unlock()

	t.wg.Wait()
	return err
}
