package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"agromesh/internal/proto"
)

const (
	DefaultDialTimeout  = 8 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	DefaultKeepAlive    = 15 * time.Second
	DefaultMaxConnsIP   = 16
	DefaultMaxStreamsIP = 256
	streamReadTimeout   = 10 * time.Second
)

type QUICOptions struct {
	Options
	// Listen is the UDP bind address; empty means dial-only.
	Listen string
	// Seeds are dial targets returned by Discover until connected.
	Seeds       []string
	Insecure    bool
	DialTimeout time.Duration
}

type addrFailure struct {
	count int
	last  time.Time
}

type link struct {
	conn      *quic.Conn
	addr      string
	deviceID  string
	helloSent bool
}

// QUIC carries one length-prefixed frame per stream. A link is bound to a
// device id once that device's hello frame arrives on it.
type QUIC struct {
	opts      QUICOptions
	log       *zap.Logger
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
	conns     *hostLimiter
	streams   *hostLimiter

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	listener *quic.Listener
	onData   func(string, []byte)
	links    map[*quic.Conn]*link
	byDevice map[string]*link
	failures map[string]*addrFailure
	handlers connHandlers
	closed   bool
	wg       sync.WaitGroup
}

var _ Transport = (*QUIC)(nil)

func NewQUIC(opts QUICOptions) (*QUIC, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("quic transport: missing device id")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	clientTLS, err := clientTLSConfig(opts.Insecure)
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}
	return &QUIC{
		opts:      opts,
		log:       opts.logger().Named("quic"),
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			MaxIdleTimeout:  DefaultIdleTimeout,
			KeepAlivePeriod: DefaultKeepAlive,
		},
		conns:    newHostLimiter(DefaultMaxConnsIP),
		streams:  newHostLimiter(DefaultMaxStreamsIP),
		links:    make(map[*quic.Conn]*link),
		byDevice: make(map[string]*link),
		failures: make(map[string]*addrFailure),
	}, nil
}

func (q *QUIC) Start(ctx context.Context, onData func(peerID string, data []byte)) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.onData = onData
	q.mu.Unlock()
	if q.opts.Listen == "" {
		return nil
	}
	ln, err := quic.ListenAddr(q.opts.Listen, q.serverTLS, q.quicConf)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", q.opts.Listen, err)
	}
	q.mu.Lock()
	q.listener = ln
	q.mu.Unlock()
	q.log.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	q.wg.Add(1)
	go q.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, or "" when dial-only.
func (q *QUIC) Addr() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener == nil {
		return ""
	}
	return q.listener.Addr().String()
}

func (q *QUIC) acceptLoop(ln *quic.Listener) {
	defer q.wg.Done()
	for {
		conn, err := ln.Accept(q.ctx)
		if err != nil {
			if q.ctx.Err() == nil {
				q.log.Warn("quic accept error", zap.Error(err))
			}
			return
		}
		addr := conn.RemoteAddr().String()
		host := hostForAddr(addr)
		if !q.conns.tryAcquire(host) {
			q.log.Debug("quic conn rejected", zap.String("addr", addr), zap.String("reason", "conn_cap"))
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		q.register(conn, addr)
		q.wg.Add(1)
		go func() {
			defer q.conns.release(host)
			q.serveConn(conn, addr, true)
		}()
	}
}

func (q *QUIC) register(conn *quic.Conn, addr string) *link {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := &link{conn: conn, addr: addr}
	q.links[conn] = l
	return l
}

func (q *QUIC) serveConn(conn *quic.Conn, addr string, inbound bool) {
	defer q.wg.Done()
	defer q.unbind(conn)
	host := hostForAddr(addr)
	for {
		stream, err := conn.AcceptStream(q.ctx)
		if err != nil {
			q.log.Debug("quic link closed", zap.String("addr", addr), zap.Error(err))
			return
		}
		if !q.streams.tryAcquire(host) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer q.streams.release(host)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(streamReadTimeout))
			frame, err := proto.ReadFrameWithKindCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForKind)
			if err != nil {
				q.log.Debug("quic read error", zap.String("addr", addr), zap.Error(err))
				return
			}
			q.handleFrame(conn, frame, inbound)
		}(stream)
	}
}

func (q *QUIC) handleFrame(conn *quic.Conn, frame []byte, inbound bool) {
	if proto.Kind(frame) == proto.KindHello {
		h, err := proto.DecodeHello(frame)
		if err != nil {
			q.log.Debug("quic bad hello", zap.Error(err))
			return
		}
		newly, reply := q.bind(conn, h.DeviceID, inbound)
		if reply {
			if err := q.sendHello(q.ctx, conn); err != nil {
				q.log.Debug("quic hello reply failed", zap.String("peer", h.DeviceID), zap.Error(err))
			}
		}
		q.deliver(h.DeviceID, frame)
		if newly {
			q.fire(h.DeviceID, true)
		}
		return
	}
	q.mu.Lock()
	l := q.links[conn]
	var id string
	if l != nil {
		id = l.deviceID
	}
	q.mu.Unlock()
	if id == "" {
		q.log.Debug("quic frame before hello dropped")
		return
	}
	q.deliver(id, frame)
}

// bind attaches deviceID to conn. It reports whether the device is newly
// reachable and whether a hello reply is still owed on this conn.
func (q *QUIC) bind(conn *quic.Conn, deviceID string, inbound bool) (newly, reply bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.links[conn]
	if l == nil {
		return false, false
	}
	prev, had := q.byDevice[deviceID]
	if had && prev != l {
		delete(q.links, prev.conn)
		go prev.conn.CloseWithError(0, "replaced")
	}
	l.deviceID = deviceID
	q.byDevice[deviceID] = l
	reply = inbound && !l.helloSent
	if reply {
		l.helloSent = true
	}
	return !had, reply
}

func (q *QUIC) unbind(conn *quic.Conn) {
	q.mu.Lock()
	l := q.links[conn]
	delete(q.links, conn)
	var down string
	if l != nil && l.deviceID != "" {
		if cur, ok := q.byDevice[l.deviceID]; ok && cur == l {
			delete(q.byDevice, l.deviceID)
			down = l.deviceID
		}
	}
	q.mu.Unlock()
	_ = conn.CloseWithError(0, "")
	if down != "" {
		q.fire(down, false)
	}
}

func (q *QUIC) Discover(context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	linked := make(map[string]bool, len(q.links))
	for _, l := range q.links {
		linked[l.addr] = true
	}
	var out []string
	for _, addr := range q.opts.Seeds {
		if !linked[addr] {
			out = append(out, addr)
		}
	}
	return out, nil
}

// Connect dials a host:port target and sends our hello on the new link.
func (q *QUIC) Connect(ctx context.Context, target string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.ctx == nil {
		q.mu.Unlock()
		return ErrNotStarted
	}
	q.mu.Unlock()
	dialCtx, cancel := context.WithTimeout(ctx, q.opts.DialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, target, q.clientTLS, q.quicConf)
	if err != nil {
		n := q.recordFailure(target)
		q.log.Debug("quic dial failed", zap.String("addr", target), zap.Int("failures", n), zap.Error(err))
		return fmt.Errorf("dial %s: %w", target, err)
	}
	q.resetFailures(target)
	l := q.register(conn, target)
	q.mu.Lock()
	l.helloSent = true
	q.mu.Unlock()
	q.wg.Add(1)
	go q.serveConn(conn, target, false)
	if err := q.sendHello(ctx, conn); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return fmt.Errorf("hello to %s: %w", target, err)
	}
	return nil
}

func (q *QUIC) sendHello(ctx context.Context, conn *quic.Conn) error {
	if q.opts.Hello == nil {
		return nil
	}
	frame, err := q.opts.Hello()
	if err != nil {
		return err
	}
	return writeStream(ctx, conn, frame)
}

func (q *QUIC) Send(ctx context.Context, peerID string, data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	l, ok := q.byDevice[peerID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	if err := writeStream(ctx, l.conn, data); err != nil {
		n := q.recordFailure(l.addr)
		q.log.Debug("quic send failed", zap.String("peer", peerID), zap.Int("failures", n), zap.Error(err))
		return err
	}
	q.resetFailures(l.addr)
	return nil
}

func writeStream(ctx context.Context, conn *quic.Conn, data []byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(dl)
	}
	if err := proto.WriteFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func (q *QUIC) Peers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.byDevice))
	for id := range q.byDevice {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (q *QUIC) OnConnection(fn func(peerID string, up bool)) {
	q.mu.Lock()
	q.handlers.add(fn)
	q.mu.Unlock()
}

// Failures returns the consecutive dial/send failures recorded for addr.
func (q *QUIC) Failures(addr string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f := q.failures[addr]; f != nil {
		return f.count
	}
	return 0
}

func (q *QUIC) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	ln := q.listener
	conns := make([]*quic.Conn, 0, len(q.links))
	for c := range q.links {
		conns = append(conns, c)
	}
	q.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	q.wg.Wait()
	return err
}

func (q *QUIC) deliver(peerID string, frame []byte) {
	q.mu.Lock()
	fn := q.onData
	q.mu.Unlock()
	if fn != nil {
		fn(peerID, frame)
	}
}

func (q *QUIC) fire(peerID string, up bool) {
	q.mu.Lock()
	fns := q.handlers.snapshot()
	q.mu.Unlock()
	notify(fns, peerID, up)
}

func (q *QUIC) recordFailure(addr string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ent := q.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		q.failures[addr] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (q *QUIC) resetFailures(addr string) {
	q.mu.Lock()
	delete(q.failures, addr)
	q.mu.Unlock()
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
