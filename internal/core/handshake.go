package core

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// writeLine writes s followed by a single LF, the fixed
// line-terminator this protocol settled on.
func writeLine(c *Connection, s string) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	_, err := c.conn.Write([]byte(s + "\n"))
	return err
}

// readLine reads up to the next LF and trims a trailing CR, so a peer
// that writes CRLF-terminated lines is still accepted.
func readLine(c *Connection, br *bufio.Reader) (string, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// exchangePublicKeys is the handshake's first step: each side writes
// its blob length-prefixed in plaintext and reads the peer's; the
// initiator writes first to avoid a synchronous read/read deadlock.
func (c *Connection) exchangePublicKeys(asym *AsymHelper, initiator bool) error {
	blob, err := asym.PublicKeyBlob()
	if err != nil {
		return fmt.Errorf("export public key: %w", err)
	}

	writeOwn := func() error {
		c.writeLock.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
		_, err := writeFrame(c.conn, blob)
		_ = c.conn.SetWriteDeadline(time.Time{})
		c.writeLock.Unlock()
		return err
	}
	readPeer := func() ([]byte, error) {
		c.readLock.Lock()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
		peerBlob, _, err := readFrame(c.br)
		_ = c.conn.SetReadDeadline(time.Time{})
		c.readLock.Unlock()
		return peerBlob, err
	}

	var peerBlob []byte
	if initiator {
		if err := writeOwn(); err != nil {
			return fmt.Errorf("write public key blob: %w", err)
		}
		peerBlob, err = readPeer()
		if err != nil {
			return fmt.Errorf("read peer public key blob: %w", err)
		}
	} else {
		peerBlob, err = readPeer()
		if err != nil {
			return fmt.Errorf("read peer public key blob: %w", err)
		}
		if err := writeOwn(); err != nil {
			return fmt.Errorf("write public key blob: %w", err)
		}
	}

	if err := asym.ImportPeer(peerBlob); err != nil {
		return fmt.Errorf("import peer public key: %w", err)
	}
	return nil
}

// symPairPacket serializes a (Kout, Kin) pair into one Packet's Data,
// for asymmetric-wrapped transport.
func symPairPacket(typeID uint32, kout, kin *SymProvider) Packet {
	data := append(append([]byte{}, kout.KeyMaterial()...), kin.KeyMaterial()...)
	return Packet{TypeID: typeID, Data: data}
}

func parseSymPair(p *Packet) (kout, kin *SymProvider, err error) {
	const half = symKeySize + symNonceSize
	if len(p.Data) != 2*half {
		return nil, nil, fmt.Errorf("bad sym pair packet length %d", len(p.Data))
	}
	kout, err = SymProviderFromKeyMaterial(p.Data[:half])
	if err != nil {
		return nil, nil, err
	}
	kin, err = SymProviderFromKeyMaterial(p.Data[half:])
	if err != nil {
		return nil, nil, err
	}
	return kout, kin, nil
}

// sendWrappedSymPair asymmetrically encrypts and base64-transports a
// (Kout, Kin) pair to peer.
func (c *Connection) sendWrappedSymPair(asym *AsymHelper, typeID uint32, kout, kin *SymProvider) error {
	pkt := symPairPacket(typeID, kout, kin)
	line, err := asym.EncryptToPeer(pkt.Serialize())
	if err != nil {
		return fmt.Errorf("encrypt sym pair to peer: %w", err)
	}
	return writeLine(c, line)
}

// recvWrappedSymPair reads and decrypts the counterpart of
// sendWrappedSymPair.
func (c *Connection) recvWrappedSymPair(asym *AsymHelper) (kout, kin *SymProvider, err error) {
	line, err := readLine(c, c.br)
	if err != nil {
		return nil, nil, fmt.Errorf("read handshake line: %w", err)
	}
	plaintext, err := asym.DecryptFromBase64(line)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt handshake line: %w", err)
	}
	p, err := Deserialize(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize handshake packet: %w", err)
	}
	return parseSymPair(p)
}

// runFullHandshake runs the full key-exchange handshake. Caller must
// hold connLock for the duration. initiator selects who writes first
// in the plaintext public-key exchange and who sends the first
// asymmetric-wrapped symmetric pair.
func (c *Connection) runFullHandshake(initiator bool) error {
	asym, err := NewAsymHelper()
	if err != nil {
		return &HandshakeError{Phase: "full:keypair", Err: err}
	}

	if err := c.exchangePublicKeys(asym, initiator); err != nil {
		return &HandshakeError{Phase: "full:pubkey-exchange", Err: err}
	}

	var newEncryptor, newDecryptor *SymProvider

	if initiator {
		kOutInit, err := NewSymProvider() // our outbound
		if err != nil {
			return &HandshakeError{Phase: "full:genkeys", Err: err}
		}
		kInInit, err := NewSymProvider() // our inbound
		if err != nil {
			return &HandshakeError{Phase: "full:genkeys", Err: err}
		}
		if err := c.sendWrappedSymPair(asym, TypeInitHandshake, kOutInit, kInInit); err != nil {
			return &HandshakeError{Phase: "full:send-initial-pair", Err: err}
		}

		// Responder's mirror step: its Kout becomes our decryptor,
		// its Kin becomes our encryptor (roles swap).
		respKout, respKin, err := c.recvWrappedSymPair(asym)
		if err != nil {
			return &HandshakeError{Phase: "full:recv-mirror-pair", Err: err}
		}
		newDecryptor = respKout
		newEncryptor = respKin
	} else {
		initKout, initKin, err := c.recvWrappedSymPair(asym)
		if err != nil {
			return &HandshakeError{Phase: "full:recv-initial-pair", Err: err}
		}
		// Initiator's Kout becomes our decryptor, Kin becomes our
		// encryptor.
		newDecryptor = initKout
		newEncryptor = initKin

		kOutResp, err := NewSymProvider()
		if err != nil {
			return &HandshakeError{Phase: "full:genkeys", Err: err}
		}
		kInResp, err := NewSymProvider()
		if err != nil {
			return &HandshakeError{Phase: "full:genkeys", Err: err}
		}
		if err := c.sendWrappedSymPair(asym, TypeInitHandshake, kOutResp, kInResp); err != nil {
			return &HandshakeError{Phase: "full:send-mirror-pair", Err: err}
		}
	}

	if err := newEncryptor.Reset(); err != nil {
		return &HandshakeError{Phase: "full:reset", Err: err}
	}
	if err := newDecryptor.Reset(); err != nil {
		return &HandshakeError{Phase: "full:reset", Err: err}
	}

	// encryptor/decryptor are each installed under their own mutex, not
	// connLock, since SendPacket reads c.encryptor under writeLock only
	// and the reader loop reads c.decryptor under readLock only; a
	// concurrent caller must never observe a torn pointer.
	c.writeLock.Lock()
	c.encryptor = newEncryptor
	c.writeLock.Unlock()
	c.readLock.Lock()
	c.decryptor = newDecryptor
	c.readLock.Unlock()
	c.lastHandshake = time.Now()
	c.asym = asym
	return nil
}

// runPartialHandshake runs the partial rekey handshake: only the
// inbound-of-requester direction is rotated. Caller must hold
// connLock; the encryptor/decryptor currently in place for the
// non-rotated direction stay untouched.
func (c *Connection) runPartialHandshake(initiator bool) error {
	if initiator {
		if _, err := c.sendPacketLocked(Packet{TypeID: TypeInitPartialHandshake}); err != nil {
			return &HandshakeError{Phase: "partial:init", Err: err}
		}
		if err := c.expectEcho(TypeInitPartialHandshake); err != nil {
			return &HandshakeError{Phase: "partial:init-echo", Err: err}
		}
	} else {
		// The triggering InitPartialHandshake was already consumed off
		// the wire by the reader loop's dispatch before this function
		// was ever called (see handlePeerInitPartialHandshake); reading
		// it again here would stall waiting for a second init that
		// never comes. Just echo it back.
		if _, err := c.sendPacketLocked(Packet{TypeID: TypeInitPartialHandshake}); err != nil {
			return &HandshakeError{Phase: "partial:init-echo", Err: err}
		}
	}

	asym, err := NewAsymHelper()
	if err != nil {
		return &HandshakeError{Phase: "partial:keypair", Err: err}
	}
	if err := c.exchangePublicKeys(asym, initiator); err != nil {
		return &HandshakeError{Phase: "partial:pubkey-exchange", Err: err}
	}

	if initiator {
		// Responder generates and sends the new direction key; we
		// install it as our decryptor only. Our encryptor (the
		// untouched direction) is unaffected.
		_, newInbound, err := c.recvWrappedSymPair(asym)
		if err != nil {
			return &HandshakeError{Phase: "partial:recv-new-key", Err: err}
		}
		// recvWrappedSymPair returns a (kout, kin) pair shape for
		// symmetry with the full handshake's wire format, but the
		// partial protocol only carries one fresh key; the responder
		// places it in the kin slot (see send branch below) so the
		// initiator reads it from newInbound.
		if err := newInbound.Reset(); err != nil {
			return &HandshakeError{Phase: "partial:reset", Err: err}
		}
		c.readLock.Lock()
		c.decryptor = newInbound
		c.readLock.Unlock()

		if _, err := c.sendPacketLocked(Packet{TypeID: TypeEndPartialHandshake}); err != nil {
			return &HandshakeError{Phase: "partial:end", Err: err}
		}
		if err := c.expectEcho(TypeEndPartialHandshake); err != nil {
			return &HandshakeError{Phase: "partial:end-echo", Err: err}
		}
	} else {
		newOutbound, err := NewSymProvider()
		if err != nil {
			return &HandshakeError{Phase: "partial:genkey", Err: err}
		}
		placeholder, err := NewSymProvider()
		if err != nil {
			return &HandshakeError{Phase: "partial:genkey", Err: err}
		}
		if err := c.sendWrappedSymPair(asym, TypeInitPartialHandshake, placeholder, newOutbound); err != nil {
			return &HandshakeError{Phase: "partial:send-new-key", Err: err}
		}
		if err := newOutbound.Reset(); err != nil {
			return &HandshakeError{Phase: "partial:reset", Err: err}
		}
		c.writeLock.Lock()
		c.encryptor = newOutbound
		c.writeLock.Unlock()

		if err := c.expectEcho(TypeEndPartialHandshake); err != nil {
			return &HandshakeError{Phase: "partial:end-echo", Err: err}
		}
		if _, err := c.sendPacketLocked(Packet{TypeID: TypeEndPartialHandshake}); err != nil {
			return &HandshakeError{Phase: "partial:end", Err: err}
		}
	}

	c.lastHandshake = time.Now()
	c.asym = asym
	return nil
}

// sendPacketLocked writes p as an encrypted frame using the caller's
// already-held connLock; unlike SendPacket it does not re-check
// IsConnected, since handshake orchestration runs before/during a
// transient IsBlocking window.
func (c *Connection) sendPacketLocked(p Packet) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	plaintext := p.Serialize()
	ciphertext := c.encryptor.Encrypt(plaintext)
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	n, err := writeFrame(c.conn, ciphertext)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return n, err
}

// expectEcho reads one encrypted frame and requires it to deserialize
// to the given control type_id; any other outcome (including a failed
// read) is fatal to the handshake.
func (c *Connection) expectEcho(wantType uint32) error {
	c.readLock.Lock()
	_ = c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
	ciphertext, _, err := readFrame(c.br)
	_ = c.conn.SetReadDeadline(time.Time{})
	c.readLock.Unlock()
	if err != nil {
		return fmt.Errorf("read echo: %w", err)
	}
	plaintext := c.decryptor.Decrypt(ciphertext)
	p, err := Deserialize(plaintext)
	if err != nil {
		return fmt.Errorf("deserialize echo: %w", err)
	}
	if p.TypeID != wantType {
		return ErrHandshakeMismatch
	}
	return nil
}
