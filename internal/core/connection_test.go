package core

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPipe returns a connected pair of loopback TCP sockets, grounded on
// the accept-then-dial pattern of cryptoops' handshaker tests.
func tcpPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	acceptedCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- conn
	}()

	client, err = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	select {
	case server = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return client, server
}

// wrapPair runs Wrap concurrently for both ends of a loopback pair,
// since the full handshake requires both sides' readers/writers
// running at once.
func wrapPair(t *testing.T, initOpts, respOpts []Option) (initiator, responder *Connection) {
	t.Helper()
	client, server := tcpPipe(t)

	var wg sync.WaitGroup
	var initErr, respErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		initiator, initErr = Wrap(client, RoleInitiator, initOpts...)
	}()
	go func() {
		defer wg.Done()
		responder, respErr = Wrap(server, RoleResponder, respOpts...)
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	return initiator, responder
}

func TestWrapCompletesHandshakeAndConnects(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	assert.True(t, a.Connected())
	assert.True(t, b.Connected())
	assert.NotEqual(t, uuid.Nil, a.ConnectionID())
	assert.NotEqual(t, uuid.Nil, b.ConnectionID())
}

func TestManualReadRoundTrip(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	b.SetFlag(FlagManualRead)

	payload := Packet{TypeID: 1001, Data: []byte("hello over the wire")}
	_, err := a.SendPacket(payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, wireBytes, err := b.ReadPacket(ctx)
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))
	assert.Greater(t, wireBytes, 0)
}

func TestManualReadPreservesFIFOOrder(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	b.SetFlag(FlagManualRead)

	const n = 10
	for i := 0; i < n; i++ {
		_, err := a.SendPacket(Packet{TypeID: uint32(2000 + i)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		got, _, err := b.ReadPacket(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(2000+i), got.TypeID)
	}
}

func TestCallbackPushDelivery(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	received := make(chan Packet, 1)
	b.SetPacketReceivedCallback(func(p Packet) { received <- p })

	payload := Packet{TypeID: 3001, Data: []byte("pushed")}
	_, err := a.SendPacket(payload)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.True(t, payload.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("callback was never invoked")
	}
}

func TestPendingQueueDrainsOnLateCallbackRegistration(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	payload := Packet{TypeID: 4001, Data: []byte("arrived before any callback")}
	_, err := a.SendPacket(payload)
	require.NoError(t, err)

	// Give the reader a moment to land the packet in pendingQ before a
	// callback exists to receive it.
	time.Sleep(100 * time.Millisecond)

	received := make(chan Packet, 1)
	b.SetPacketReceivedCallback(func(p Packet) { received <- p })

	select {
	case got := <-received:
		assert.True(t, payload.Equal(got))
	case <-time.After(2 * time.Second):
		t.Fatal("pending packet was never drained to the late callback")
	}
}

func TestSetFlagManualReadMigratesPendingQueue(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	payload := Packet{TypeID: 5001, Data: []byte("queued before manual read enabled")}
	_, err := a.SendPacket(payload)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	b.SetFlag(FlagManualRead)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, _, err := b.ReadPacket(ctx)
	require.NoError(t, err)
	assert.True(t, payload.Equal(got))
}

func TestCloseSendsGracefulDisconnect(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer b.Close()

	doneCh := make(chan DisconnectReason, 1)
	b.SetDisconnectedCallback(func(r DisconnectReason) { doneCh <- r })

	require.NoError(t, a.Close())

	select {
	case reason := <-doneCh:
		assert.Equal(t, ReasonGraceful, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the graceful disconnect")
	}
	assert.False(t, b.Connected())
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer b.Close()

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestSendPacketFailsOnceDisconnected(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer b.Close()

	require.NoError(t, a.Close())
	_, err := a.SendPacket(Packet{TypeID: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRekeyRotatesSessionKeysOverTime(t *testing.T) {
	opts := []Option{WithKeyAging(120*time.Millisecond, 40*time.Millisecond)}
	a, b := wrapPair(t, opts, opts)
	defer a.Close()
	defer b.Close()

	var rekeyedA, rekeyedB atomic.Bool
	a.SetRekeyedCallback(func() { rekeyedA.Store(true) })
	b.SetRekeyedCallback(func() { rekeyedB.Store(true) })
	a.SetPacketReceivedCallback(func(Packet) {})
	b.SetPacketReceivedCallback(func(Packet) {})

	stop := make(chan struct{})
	defer close(stop)
	heartbeat := func(c *Connection) {
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = c.SendPacket(Packet{TypeID: 9999})
			}
		}
	}
	go heartbeat(a)
	go heartbeat(b)

	initial := a.LastHandshake()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !a.LastHandshake().After(initial) {
		time.Sleep(20 * time.Millisecond)
	}

	assert.True(t, a.LastHandshake().After(initial), "expected a rekey to have advanced LastHandshake")
	assert.True(t, rekeyedA.Load() || rekeyedB.Load(), "expected the rekey callback to fire on at least one side")
}

// TestPartialRekeyWithAsymmetricKeyAges gives the two sides very
// different max_key_age settings so that only one side ever ages out
// and requests a rekey while the other is still comfortably fresh.
// That asymmetry is exactly what routes the exchange through the
// peer-driven partial handshake (handlePeerHandshakeRequest,
// runPartialHandshake) instead of the simultaneous-rekey tie-break,
// exercising both the initiator and responder branches of the partial
// protocol end to end.
func TestPartialRekeyWithAsymmetricKeyAges(t *testing.T) {
	fastOpts := []Option{WithKeyAging(120*time.Millisecond, 40*time.Millisecond)}
	slowOpts := []Option{WithKeyAging(10*time.Second, 1*time.Second)}
	a, b := wrapPair(t, fastOpts, slowOpts)
	defer a.Close()
	defer b.Close()

	var rekeyedA, rekeyedB atomic.Bool
	a.SetRekeyedCallback(func() { rekeyedA.Store(true) })
	b.SetRekeyedCallback(func() { rekeyedB.Store(true) })
	a.SetPacketReceivedCallback(func(Packet) {})
	b.SetPacketReceivedCallback(func(Packet) {})

	stop := make(chan struct{})
	defer close(stop)
	heartbeat := func(c *Connection) {
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = c.SendPacket(Packet{TypeID: 9999})
			}
		}
	}
	go heartbeat(a)
	go heartbeat(b)

	initial := a.LastHandshake()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !a.LastHandshake().After(initial) {
		time.Sleep(20 * time.Millisecond)
	}

	assert.True(t, a.LastHandshake().After(initial), "expected a's short key age to trigger a partial rekey")
	assert.True(t, rekeyedA.Load() || rekeyedB.Load(), "expected the rekey callback to fire on at least one side")
	assert.True(t, a.Connected(), "a should still be connected after the partial rekey")
	assert.True(t, b.Connected(), "b should still be connected after the partial rekey")
}

func TestCorruptedFramesEventuallyTearDownConnection(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()

	doneCh := make(chan DisconnectReason, 1)
	b.SetDisconnectedCallback(func(r DisconnectReason) { doneCh <- r })

	// Inject garbage directly onto the wire, bypassing the encryptor
	// entirely, so the peer's decryptor produces frames that fail to
	// deserialize into a valid Packet.
	for i := 0; i < maxReadErrors; i++ {
		garbage := bytes.Repeat([]byte{0xFF}, 16)
		a.writeLock.Lock()
		_, err := writeFrame(a.conn, garbage)
		a.writeLock.Unlock()
		require.NoError(t, err)
	}

	select {
	case reason := <-doneCh:
		assert.Equal(t, ReasonError, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the connection to be torn down after repeated corrupt frames")
	}
	assert.False(t, b.Connected())
}

func TestIdLessIsATotalOrderOverConnectionIDs(t *testing.T) {
	small := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	big := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	assert.True(t, idLess(small, big))
	assert.False(t, idLess(big, small))
	assert.False(t, idLess(small, small))
}

func TestConnectionIDExchangeRecordsRemoteID(t *testing.T) {
	a, b := wrapPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := a.RemoteID(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	remote, ok := a.RemoteID()
	require.True(t, ok)
	assert.Equal(t, b.ConnectionID(), remote)
}
