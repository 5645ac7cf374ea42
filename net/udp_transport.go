package net

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/log"
	"github.com/lcx/dcf/metrics"
	"go.uber.org/atomic"
)

const (
	defaultUDPReadTimeout = time.Millisecond
	defaultUDPPollBatch   = 64
	// maxDatagram fits any envelope with a full payload and header.
	maxDatagram = 2048
)

// UDPTransportCfg configures the datagram transport.
type UDPTransportCfg struct {
	Addr string `mapstructure:"addr"`
	// ReadTimeout is the read deadline used by each PollInbound read.
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// PollBatch caps the datagrams returned by one PollInbound.
	PollBatch int `mapstructure:"pollBatch"`
	// SocketBuffer sets the kernel read and write buffer sizes when positive.
	SocketBuffer int `mapstructure:"socketBuffer"`
}

// GetName returns the configuration name for UDPTransportCfg
func (c *UDPTransportCfg) GetName() string {
	return "udp_transport"
}

// Validate validates the UDPTransportCfg parameters
func (c *UDPTransportCfg) Validate() error {
	if c.ReadTimeout < 0 {
		return fmt.Errorf("ReadTimeout cannot be negative")
	}
	if c.PollBatch < 0 {
		return fmt.Errorf("PollBatch cannot be negative")
	}
	return nil
}

// UDPTransport sends one datagram per envelope. Delivery is not guaranteed;
// inbound datagrams are read by PollInbound on the dispatch loop.
type UDPTransport struct {
	*UDPTransportCfg
	conn   *net.UDPConn
	logger log.Logger

	lock      sync.Mutex
	addrCache map[string]*net.UDPAddr
	readBuf   []byte

	running atomic.Bool
}

// NewUDPTransport creates a datagram transport. A nil cfg uses defaults.
func NewUDPTransport(cfg *UDPTransportCfg) *UDPTransport {
	if cfg == nil {
		cfg = &UDPTransportCfg{}
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultUDPReadTimeout
	}
	if cfg.PollBatch == 0 {
		cfg.PollBatch = defaultUDPPollBatch
	}
	return &UDPTransport{
		UDPTransportCfg: cfg,
		addrCache:       make(map[string]*net.UDPAddr),
		readBuf:         make([]byte, maxDatagram),
	}
}

func (t *UDPTransport) Name() string {
	return "udp"
}

// FactoryName implements plugin.Plugin.
func (t *UDPTransport) FactoryName() string {
	return t.Name()
}

// LocalAddr returns the bound socket address, once started.
func (t *UDPTransport) LocalAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

func (t *UDPTransport) Start(opt TransportOption) error {
	if t.running.Load() {
		return errors.New("udp transport already started")
	}
	t.logger = opt.logger()

	addr := t.UDPTransportCfg.Addr
	if addr == "" {
		addr = opt.Local.Addr()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "resolve %s: %v", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "listen %s: %v", addr, err)
	}
	if t.SocketBuffer > 0 {
		if err := conn.SetReadBuffer(t.SocketBuffer); err != nil {
			t.logger.Warn().Int("BufSize", t.SocketBuffer).Err(err).Msg("Set read buffer err")
		}
		if err := conn.SetWriteBuffer(t.SocketBuffer); err != nil {
			t.logger.Warn().Int("BufSize", t.SocketBuffer).Err(err).Msg("Set write buffer err")
		}
	}
	t.conn = conn
	t.running.Store(true)
	return nil
}

func (t *UDPTransport) resolve(addr string) (*net.UDPAddr, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if a, ok := t.addrCache[addr]; ok {
		return a, nil
	}
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	t.addrCache[addr] = a
	return a, nil
}

// Send writes one datagram. A successful return only means the datagram left
// the socket.
func (t *UDPTransport) Send(data []byte, to Endpoint) error {
	if !t.running.Load() {
		return errors.Wrap(ErrTransportUnavailable, "udp transport not running")
	}
	dst, err := t.resolve(to.Addr())
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "resolve %s: %v", to.Addr(), err)
	}
	n, err := t.conn.WriteToUDP(data, dst)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_send_error_total", 1, metrics.Dimension{"transport_type": "udp"})
		return errors.Wrapf(ErrTransportUnavailable, "write %s: %v", to.Addr(), err)
	}
	if n != len(data) {
		return errors.Wrapf(ErrTransportUnavailable, "short write to %s: %d of %d", to.Addr(), n, len(data))
	}
	return nil
}

// PollInbound reads whatever datagrams are pending, waiting at most
// ReadTimeout for each.
func (t *UDPTransport) PollInbound() [][]byte {
	if !t.running.Load() {
		return nil
	}
	var out [][]byte
	for len(out) < t.PollBatch {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.ReadTimeout)); err != nil {
			return out
		}
		n, _, err := t.conn.ReadFromUDP(t.readBuf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				if t.running.Load() {
					t.logger.Debug().Err(err).Msg("udp read failed")
				}
			}
			return out
		}
		out = append(out, append([]byte(nil), t.readBuf[:n]...))
	}
	return out
}

func (t *UDPTransport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	return t.conn.Close()
}
