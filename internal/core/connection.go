package core

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxReadErrors bounds consecutive corrupt-frame tolerances before the
// reader declares the connection fatally broken.
const maxReadErrors = 5

// queueCapacity bounds both the ManualRead FIFO and the pending-events
// queue used when no callback is registered yet.
const queueCapacity = 20

// backpressureSleep is the yield duration the reader sleeps for when a
// delivery queue is full, the intended choke signal back to the peer.
const backpressureSleep = 10 * time.Millisecond

// Default key-aging parameters. DEBUG profile is selected by passing
// WithDebugTiming to Wrap.
const (
	defaultMaxKeyAge    = time.Hour
	defaultMaxAgeSkew   = time.Minute
	debugMaxKeyAge      = 5 * time.Second
	defaultReadTimeout  = 500 * time.Millisecond
	defaultWriteTimeout = 500 * time.Millisecond
	debugIOTimeout      = 10 * time.Second
)

// Role distinguishes which side speaks first during the initial full
// handshake. Rekey initiator status is instead decided by the id
// tie-break, independent of Role.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// queuedPacket is one entry of either delivery queue.
type queuedPacket struct {
	packet    Packet
	wireBytes int
}

// Connection owns a socket, a background reader, and the full/partial
// handshake and rekey lifecycle. The struct shape and the
// captured-context/receive-loop idiom generalize a websocket client's
// connection core to a raw TCP encrypted connection.
type Connection struct {
	conn net.Conn
	br   *bufio.Reader

	connLock  sync.Mutex
	readLock  sync.Mutex
	writeLock sync.Mutex

	runFlags      RunFlags
	configFlags   ConfigFlags
	isConnected   connectedFlag
	role          Role

	connectionID uuid.UUID
	remoteID     uuid.UUID
	haveRemote   bool

	asym      *AsymHelper
	peerBlob  []byte
	encryptor *SymProvider
	decryptor *SymProvider

	lastHandshake time.Time
	maxKeyAge     time.Duration
	maxAgeSkew    time.Duration
	ioTimeout     time.Duration

	readErrors int

	manualQueue []queuedPacket
	pendingQ    []queuedPacket

	onPacket     func(Packet)
	onDisconnect func(DisconnectReason)
	onRekey      func()

	// dispatchCtx + executor are a captured cooperative dispatch
	// context: the context captured at Wrap time, and the function
	// used to trampoline callback delivery onto it. The default
	// executor runs inline on the reader goroutine.
	dispatchCtx context.Context
	executor    func(func())

	logger Logger

	readerDone chan struct{}
	closeOnce  sync.Once
}

// Option configures a Connection at Wrap time.
type Option func(*Connection)

// WithLogger installs a Logger collaborator; a no-op logger is used
// if this option is omitted.
func WithLogger(l Logger) Option { return func(c *Connection) { c.logger = l } }

// WithDispatchContext supplies the cooperative dispatch context and
// executor used to trampoline packet/disconnect callbacks. If omitted,
// callbacks run inline on the reader goroutine.
func WithDispatchContext(ctx context.Context, executor func(func())) Option {
	return func(c *Connection) {
		c.dispatchCtx = ctx
		c.executor = executor
	}
}

// WithDebugTiming selects the accelerated DEBUG key-aging/I-O-timeout
// profile, for tests that can't wait out production rekey intervals.
func WithDebugTiming() Option {
	return func(c *Connection) {
		c.maxKeyAge = debugMaxKeyAge
		c.ioTimeout = debugIOTimeout
	}
}

// WithKeyAging overrides max_key_age/max_age_skew directly.
func WithKeyAging(maxKeyAge, maxAgeSkew time.Duration) Option {
	return func(c *Connection) {
		c.maxKeyAge = maxKeyAge
		c.maxAgeSkew = maxAgeSkew
	}
}

type noopLogger struct{}

func (noopLogger) Debug(args ...interface{})          {}
func (noopLogger) Info(args ...interface{})           {}
func (noopLogger) Warn(args ...interface{})           {}
func (noopLogger) Error(args ...interface{})          {}
func (noopLogger) Critical(args ...interface{})       {}
func (noopLogger) Exception(error, ...interface{})    {}

// Wrap is the sole constructor path for usable Connection state. It
// performs the full handshake synchronously; on success it
// sets IsConnected, spawns the reader goroutine, and sends an initial
// ConnectionIDExchange. On handshake failure the socket is shut down
// and the error is returned to the caller before any goroutine starts.
func Wrap(conn net.Conn, role Role, opts ...Option) (*Connection, error) {
	asym, err := NewAsymHelper()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("core: wrap: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("core: wrap: generate connection id: %w", err)
	}

	c := &Connection{
		conn:         conn,
		br:           bufio.NewReader(conn),
		role:         role,
		connectionID: id,
		asym:         asym,
		maxKeyAge:    defaultMaxKeyAge,
		maxAgeSkew:   defaultMaxAgeSkew,
		ioTimeout:    defaultReadTimeout,
		logger:       noopLogger{},
		readerDone:   make(chan struct{}),
	}
	c.runFlags = FlagRun
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatchCtx == nil {
		c.dispatchCtx = context.Background()
		c.executor = func(fn func()) { fn() }
	}

	c.connLock.Lock()
	err = c.runFullHandshake(role == RoleInitiator)
	c.connLock.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, &HandshakeError{Phase: "initial", Err: err}
	}

	c.runFlags = c.runFlags.Set(FlagIsConnected)
	c.isConnected.set(true)

	go c.readerLoop()

	idPacket := Packet{TypeID: TypeConnectionIDExchange, Data: c.connectionID[:]}
	if _, err := c.SendPacket(idPacket); err != nil {
		c.logger.Warn("failed to send initial connection id exchange", err)
	}

	return c, nil
}

// ConnectTo dials a TCP endpoint and wraps it as the handshake
// initiator, the dial-and-wrap counterpart to wrapping an
// already-accepted socket.
func ConnectTo(ctx context.Context, endpoint string, opts ...Option) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("core: connect to %s: %w", endpoint, err)
	}
	return Wrap(conn, RoleInitiator, opts...)
}

// ConnectionID returns the local 16-byte connection identity.
func (c *Connection) ConnectionID() uuid.UUID { return c.connectionID }

// RemoteID returns the peer-reported connection identity and whether
// one has been learned yet.
func (c *Connection) RemoteID() (uuid.UUID, bool) {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.remoteID, c.haveRemote
}

// Connected reports IsConnected via the lock-free atomic mirror.
func (c *Connection) Connected() bool { return c.isConnected.get() }

// LastHandshake returns the time of the most recent successful key
// installation.
func (c *Connection) LastHandshake() time.Time {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.lastHandshake
}

// MaxKeyAge returns the configured session-key aging threshold.
func (c *Connection) MaxKeyAge() time.Duration {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.maxKeyAge
}

// MaxAgeSkew returns the configured rekey grace period.
func (c *Connection) MaxAgeSkew() time.Duration {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.maxAgeSkew
}

// RemoteEndpoint returns the peer address of the wrapped socket.
func (c *Connection) RemoteEndpoint() net.Addr { return c.conn.RemoteAddr() }

// LocalEndpoint returns the local address of the wrapped socket.
func (c *Connection) LocalEndpoint() net.Addr { return c.conn.LocalAddr() }

// SetPacketReceivedCallback registers fn as the push-delivery
// callback. Any packets already queued in pendingQ (accumulated while
// no callback was registered) are drained synchronously under
// connLock in FIFO order.
func (c *Connection) SetPacketReceivedCallback(fn func(Packet)) {
	c.connLock.Lock()
	c.onPacket = fn
	pending := c.pendingQ
	c.pendingQ = nil
	c.connLock.Unlock()

	for _, qp := range pending {
		c.deliver(qp.packet)
	}
}

// SetDisconnectedCallback registers fn as the disconnect-reason
// callback.
func (c *Connection) SetDisconnectedCallback(fn func(DisconnectReason)) {
	c.connLock.Lock()
	c.onDisconnect = fn
	c.connLock.Unlock()
}

// SetRekeyedCallback registers fn to be invoked, through the captured
// dispatch executor, every time a rekey (full or partial, either
// locally or peer driven) completes after the initial handshake
// performed inside Wrap. An ambient addition so surrounding
// infrastructure (webhooks) can learn about key rotation without
// polling LastHandshake.
func (c *Connection) SetRekeyedCallback(fn func()) {
	c.connLock.Lock()
	c.onRekey = fn
	c.connLock.Unlock()
}

// notifyRekey invokes the rekey callback, if any, through the captured
// dispatch executor.
func (c *Connection) notifyRekey() {
	c.connLock.Lock()
	fn := c.onRekey
	c.connLock.Unlock()
	if fn == nil {
		return
	}
	c.executor(fn)
}

// SetFlag sets a configuration-flag bit under connLock, performing
// queue migration if ManualRead is toggled on.
func (c *Connection) SetFlag(flag ConfigFlags) {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	was := c.configFlags.Has(FlagManualRead)
	c.configFlags = c.configFlags.Set(flag)
	if flag == FlagManualRead && !was {
		c.migrateQueueLocked(toManual)
	}
}

// UnsetFlag clears a configuration-flag bit under connLock, performing
// queue migration if ManualRead is toggled off.
func (c *Connection) UnsetFlag(flag ConfigFlags) {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	was := c.configFlags.Has(FlagManualRead)
	c.configFlags = c.configFlags.Clear(flag)
	if flag == FlagManualRead && was {
		c.migrateQueueLocked(toPending)
	}
}

type migrationDirection int

const (
	toManual migrationDirection = iota
	toPending
)

// migrateQueueLocked moves queued packets between manualQueue and
// pendingQ, preserving FIFO order, rather than dropping them. Caller
// must hold connLock.
func (c *Connection) migrateQueueLocked(dir migrationDirection) {
	switch dir {
	case toManual:
		c.manualQueue = append(c.manualQueue, c.pendingQ...)
		c.pendingQ = nil
	case toPending:
		c.pendingQ = append(c.pendingQ, c.manualQueue...)
		c.manualQueue = nil
	}
}

// SendPacket serializes, encrypts, and writes p as a frame, returning
// the total wire byte count. Fails immediately if not connected. If a
// handshake or rekey is in flight (FlagIsBlocking set), the call parks
// until the blocking window clears or ioTimeout elapses, so a user
// frame can never land between a rekey's plaintext steps.
func (c *Connection) SendPacket(p Packet) (int, error) {
	if !c.isConnected.get() {
		return 0, ErrNotConnected
	}

	deadline := time.Now().Add(c.ioTimeout)
	for {
		c.connLock.Lock()
		blocking := c.runFlags.Has(FlagIsBlocking)
		c.connLock.Unlock()
		if !blocking {
			break
		}
		if !c.isConnected.get() {
			return 0, ErrNotConnected
		}
		if time.Now().After(deadline) {
			return 0, ErrHandshakeInProgress
		}
		time.Sleep(time.Millisecond)
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	plaintext := p.Serialize()
	ciphertext := c.encryptor.Encrypt(plaintext)
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	n, err := writeFrame(c.conn, ciphertext)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReadPacket blocks (cooperative 1ms poll) until the ManualRead queue
// is non-empty, then returns its head packet and wire size. Intended
// for use only when FlagManualRead is set.
func (c *Connection) ReadPacket(ctx context.Context) (Packet, int, error) {
	for {
		c.connLock.Lock()
		if len(c.manualQueue) > 0 {
			qp := c.manualQueue[0]
			c.manualQueue = c.manualQueue[1:]
			c.connLock.Unlock()
			return qp.packet, qp.wireBytes, nil
		}
		c.connLock.Unlock()

		if !c.runFlags.Has(FlagRun) {
			return Packet{}, 0, ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return Packet{}, 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close initiates a local, graceful shutdown: it sends
// DisconnectNotification if still connected, half-closes the read
// side, and clears the run/connected flags. Idempotent.
func (c *Connection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.connLock.Lock()
		stillConnected := c.isConnected.get()
		c.connLock.Unlock()

		if stillConnected {
			_, _ = c.SendPacket(Packet{TypeID: TypeDisconnectNotify})
		}

		c.connLock.Lock()
		c.runFlags = c.runFlags.Clear(FlagRun).Clear(FlagIsConnected)
		c.connLock.Unlock()
		c.isConnected.set(false)

		if tc, ok := c.conn.(interface{ CloseRead() error }); ok {
			closeErr = tc.CloseRead()
		} else {
			closeErr = c.conn.Close()
		}
	})
	return closeErr
}

// readerLoop is the connection's single dedicated reader goroutine. It
// owns decryption and dispatch; it never lets a panic/error escape
// uncaught, mapping every failure into a fatal teardown, a recoverable
// retry, or a reported error back to the caller.
func (c *Connection) readerLoop() {
	defer close(c.readerDone)

	for c.runFlags.Has(FlagRun) && c.readErrors < maxReadErrors && c.isConnected.get() {
		c.readLock.Lock()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
		ciphertext, wireBytes, err := readFrame(c.br)
		_ = c.conn.SetReadDeadline(time.Time{})

		if err != nil {
			if isTimeout(err) {
				c.readLock.Unlock()
				continue // Recoverable: transient read timeout, loop again.
			}
			c.readLock.Unlock()
			c.fatal(fmt.Errorf("reader loop: %w", err))
			return
		}

		plaintext := c.decryptor.Decrypt(ciphertext)
		c.readLock.Unlock()

		p, derr := Deserialize(plaintext)
		if derr != nil || p == nil {
			if pollReadable(c.conn, c.br) {
				c.readErrors++
				if c.readErrors >= maxReadErrors {
					c.fatal(fmt.Errorf("reader loop: %d consecutive corrupt frames", c.readErrors))
					return
				}
				continue
			}
			// Socket went quiet rather than corrupt: treat as peer close.
			c.fatal(io.EOF)
			return
		}
		c.readErrors = 0

		c.dispatch(*p, wireBytes)

		if !c.checkSessionKeyExpiry() {
			return
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	var fe *FrameError
	if ok := asFrameError(err, &fe); ok {
		if te, ok := fe.Err.(timeouter); ok {
			return te.Timeout()
		}
	}
	return false
}

func asFrameError(err error, target **FrameError) bool {
	fe, ok := err.(*FrameError)
	if ok {
		*target = fe
	}
	return ok
}

// dispatch routes a freshly decoded packet to the built-in handler
// table and/or the consumer.
func (c *Connection) dispatch(p Packet, wireBytes int) {
	handled := false
	switch p.TypeID {
	case TypeHandshakeRequest:
		c.handlePeerHandshakeRequest()
		handled = true
	case TypeInitHandshake:
		// Only reached if a peer starts a full handshake out of band
		// of our own orchestration; the symmetric framing layer isn't
		// active yet during a real full handshake's plaintext phase,
		// so receiving this here is unexpected. Log and drop.
		c.logger.Warn("received InitHandshake outside handshake orchestration")
		handled = true
	case TypeInitPartialHandshake:
		c.handlePeerInitPartialHandshake()
		handled = true
	case TypeCancelHandshake:
		c.logger.Debug("received CancelHandshake; dropping")
		handled = true
	case TypeDisconnectNotify:
		c.handleDisconnectNotify()
		handled = true
	case TypeConnectionIDExchange:
		c.handleConnectionIDExchange(p)
		handled = true
	}

	c.connLock.Lock()
	blocking := c.runFlags.Has(FlagIsBlocking)
	passOn := c.configFlags.Has(FlagPassOn)
	c.connLock.Unlock()

	if blocking {
		return // control packets only while a handshake is in flight.
	}
	if handled && !passOn {
		return
	}
	c.enqueueForConsumer(p, wireBytes)
}

// enqueueForConsumer implements the two delivery disciplines (manual
// pull or callback push), including backpressure when a queue is at
// capacity.
func (c *Connection) enqueueForConsumer(p Packet, wireBytes int) {
	c.connLock.Lock()
	manual := c.configFlags.Has(FlagManualRead)
	hasCallback := c.onPacket != nil
	c.connLock.Unlock()

	qp := queuedPacket{packet: p, wireBytes: wireBytes}

	if manual {
		for {
			c.connLock.Lock()
			if len(c.manualQueue) < queueCapacity {
				c.manualQueue = append(c.manualQueue, qp)
				c.connLock.Unlock()
				return
			}
			c.connLock.Unlock()
			time.Sleep(backpressureSleep)
		}
	}

	if hasCallback {
		c.deliver(p)
		return
	}

	for {
		c.connLock.Lock()
		if len(c.pendingQ) < queueCapacity {
			c.pendingQ = append(c.pendingQ, qp)
			c.connLock.Unlock()
			return
		}
		c.connLock.Unlock()
		time.Sleep(backpressureSleep)
	}
}

// deliver invokes the packet-received callback through the captured
// dispatch executor.
func (c *Connection) deliver(p Packet) {
	c.connLock.Lock()
	fn := c.onPacket
	c.connLock.Unlock()
	if fn == nil {
		return
	}
	c.executor(func() { fn(p) })
}

// notifyDisconnect invokes the disconnect callback through the
// captured dispatch executor.
func (c *Connection) notifyDisconnect(reason DisconnectReason) {
	c.connLock.Lock()
	fn := c.onDisconnect
	c.connLock.Unlock()
	if fn == nil {
		return
	}
	c.executor(func() { fn(reason) })
}

// fatal handles an unrecoverable reader-loop condition: log, clear
// flags, notify disconnect with reason Error, shut down the socket.
func (c *Connection) fatal(err error) {
	c.logger.Exception(err, "connection terminated")
	c.connLock.Lock()
	c.runFlags = c.runFlags.Clear(FlagRun).Clear(FlagIsConnected)
	c.connLock.Unlock()
	c.isConnected.set(false)
	_ = c.conn.Close()
	c.notifyDisconnect(ReasonError)
}

// handleDisconnectNotify handles a peer-initiated disconnect: set
// DisconnectReceived, drain remaining readable bytes tolerating up to
// 4 further errors, clear Run/IsConnected, surface Graceful.
func (c *Connection) handleDisconnectNotify() {
	c.connLock.Lock()
	c.runFlags = c.runFlags.Set(FlagDisconnectReceived)
	c.connLock.Unlock()

	drainErrors := 0
	for drainErrors < maxReadErrors-1 {
		if !pollReadable(c.conn, c.br) {
			break
		}
		c.readLock.Lock()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
		_, _, err := readFrame(c.br)
		_ = c.conn.SetReadDeadline(time.Time{})
		c.readLock.Unlock()
		if err != nil {
			drainErrors++
		}
	}

	c.connLock.Lock()
	c.runFlags = c.runFlags.Clear(FlagRun).Clear(FlagIsConnected)
	c.connLock.Unlock()
	c.isConnected.set(false)

	c.notifyDisconnect(ReasonGraceful)
	_ = c.conn.Close()
}

// handleConnectionIDExchange implements the connection-id collision
// rule: regenerate and re-advertise on a matching id, otherwise record
// the peer's id as remote_id.
func (c *Connection) handleConnectionIDExchange(p Packet) {
	if len(p.Data) != 16 {
		return // malformed id, ignore.
	}
	var peerID uuid.UUID
	copy(peerID[:], p.Data)

	c.connLock.Lock()
	collision := peerID == c.connectionID
	if collision {
		newID, err := uuid.NewRandom()
		if err == nil {
			c.connectionID = newID
		}
	} else {
		c.remoteID = peerID
		c.haveRemote = true
	}
	c.connLock.Unlock()

	if collision {
		_, _ = c.SendPacket(Packet{TypeID: TypeConnectionIDExchange, Data: c.connectionID[:]})
	}
}

// checkSessionKeyExpiry is the rekey scheduler evaluated once per
// reader iteration. Returns false if the connection was torn down as a
// result (peer failed to rekey in time).
func (c *Connection) checkSessionKeyExpiry() bool {
	c.connLock.Lock()
	age := time.Since(c.lastHandshake)
	requested := c.runFlags.Has(FlagLocalHandshakeRequested)
	maxAge := c.maxKeyAge
	skew := c.maxAgeSkew
	c.connLock.Unlock()

	if age < maxAge {
		return true
	}

	if requested && age >= maxAge+skew {
		c.fatal(ErrRekeyTimedOut)
		return false
	}

	if !requested {
		c.connLock.Lock()
		c.runFlags = c.runFlags.Set(FlagLocalHandshakeRequested)
		c.connLock.Unlock()
		if _, err := c.SendPacket(Packet{TypeID: TypeHandshakeRequest}); err != nil {
			c.logger.Warn("failed to send HandshakeRequest", err)
		}
	}
	return true
}

// handlePeerHandshakeRequest responds to a peer rekey request: respond
// with a partial handshake if our own keys are still comfortably fresh
// and we have not locally requested a rekey; otherwise run a full
// handshake with tie-break.
func (c *Connection) handlePeerHandshakeRequest() {
	c.connLock.Lock()
	age := time.Since(c.lastHandshake)
	localRequested := c.runFlags.Has(FlagLocalHandshakeRequested)
	fresh := age < c.maxKeyAge-c.maxAgeSkew
	c.connLock.Unlock()

	if fresh && !localRequested {
		c.connLock.Lock()
		c.runFlags = c.runFlags.Set(FlagIsBlocking)
		err := c.runPartialHandshake(true)
		c.runFlags = c.runFlags.Clear(FlagIsBlocking).Clear(FlagLocalHandshakeRequested)
		c.connLock.Unlock()
		if err != nil {
			c.fatal(fmt.Errorf("peer-driven partial handshake: %w", err))
			return
		}
		c.notifyRekey()
		return
	}
	c.runTieBrokenFullHandshake()
}

// handlePeerInitPartialHandshake responds to a peer-initiated partial
// handshake by echoing InitPartialHandshake and playing the responder
// role of the partial protocol.
func (c *Connection) handlePeerInitPartialHandshake() {
	c.connLock.Lock()
	c.runFlags = c.runFlags.Set(FlagIsBlocking)
	err := c.runPartialHandshake(false)
	c.runFlags = c.runFlags.Clear(FlagIsBlocking).Clear(FlagLocalHandshakeRequested)
	c.connLock.Unlock()
	if err != nil {
		c.fatal(fmt.Errorf("responder partial handshake: %w", err))
		return
	}
	c.notifyRekey()
}

// runTieBrokenFullHandshake implements the simultaneous-rekey
// tie-break: the side with the lexicographically smaller connection
// id defers (aborts local initiation, waits to be driven); the larger
// id proceeds as initiator. Comparison is a total order over all 16
// bytes.
func (c *Connection) runTieBrokenFullHandshake() {
	c.connLock.Lock()
	local := c.connectionID
	remote := c.remoteID
	haveRemote := c.haveRemote
	c.connLock.Unlock()

	// Without a learned remote id there is nothing to tie-break
	// against yet; proceed as initiator, mirroring the original
	// connection's role assumption.
	weAreLarger := !haveRemote || idLess(remote, local)

	c.connLock.Lock()
	c.runFlags = c.runFlags.Set(FlagIsBlocking)
	err := c.runFullHandshake(weAreLarger)
	c.runFlags = c.runFlags.Clear(FlagIsBlocking).Clear(FlagLocalHandshakeRequested)
	c.connLock.Unlock()

	if err != nil {
		c.fatal(fmt.Errorf("tie-broken full handshake: %w", err))
		return
	}
	c.notifyRekey()
}

// idLess is a total-order byte-wise comparison over connection ids:
// the first differing byte decides; equal prefixes fall through to
// "not less" (equal ids never occur once ConnectionID collisions are
// resolved).
func idLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
