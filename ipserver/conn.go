package ipserver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
)

// errNeedMoreData signals that a partial message is buffered and the
// caller should wait for the next readiness callback instead of
// treating the buffer as malformed.
var errNeedMoreData = errors.New("ipserver: need more data")

// maxPlaintextChunk is the largest plaintext payload one encrypted
// record carries, leaving room for the 16-byte Poly1305 tag under the
// 1024-byte ciphertext ceiling spec.md §3 sets.
const maxPlaintextChunk = 1024 - 16

// Conn drives one accepted TCP connection's non-blocking read/write
// cycle, framing HAP's encrypted records on top of capability.TCPConn
// the way paypal-gatt's l2cap.go eventloop drives one BLE link: all
// I/O happens inside SetReadinessCallback, never by blocking.
type Conn struct {
	tcp    capability.TCPConn
	server *Server
	sess   *hap.Session

	mu       sync.Mutex
	inbound  []byte // raw bytes off the wire, not yet decrypted
	plainIn  []byte // decrypted (or, pre-verify, raw) HTTP bytes pending parse
	outbound []byte // framed bytes waiting to be written
	closed   bool
}

// NewConn wires tcp to sess's request routing through srv, registering
// the non-blocking readiness callback and returning once listening.
func NewConn(tcp capability.TCPConn, srv *Server, sess *hap.Session) (*Conn, error) {
	c := &Conn{tcp: tcp, server: srv, sess: sess}
	if err := tcp.SetReadinessCallback(c.onReady); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) onReady(flags capability.ReadinessFlags) {
	if flags.HasBytesAvailable {
		c.readAvailable()
	}
	if flags.HasSpaceAvailable {
		c.drainOutbound()
	}
}

func (c *Conn) readAvailable() {
	buf := make([]byte, 4096)
	for {
		n, err := c.tcp.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.inbound = append(c.inbound, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil || n == 0 {
			break
		}
	}
	c.process()
}

// process drains every complete record/request currently buffered,
// producing zero or more responses. Session invalidation (AEAD
// failure) closes the connection immediately, per spec.md §7.
func (c *Conn) process() {
	for {
		ok, fatal := c.processOneRecord()
		if fatal {
			c.Close()
			return
		}
		if !ok {
			break
		}
	}
	for {
		req, consumed, err := parseRequest(c.peekPlainIn())
		if err == errNeedMoreData {
			return
		}
		if err != nil {
			c.enqueue(writeResponse(400, "", nil), false)
			c.consumePlainIn(len(c.peekPlainIn()))
			return
		}
		c.consumePlainIn(consumed)

		wasActive := c.sess.Active
		status, contentType, body := c.server.route(c.sess, req)
		c.enqueue(writeResponse(status, contentType, body), wasActive)
	}
}

// processOneRecord extracts and decrypts one ChaCha20-Poly1305 record
// from inbound when the session's control channel is active, appending
// its plaintext to plainIn. It reports ok=false when inbound holds an
// incomplete record (wait for more bytes) and fatal=true when
// decryption fails, per spec.md §3/§7 "AEAD tag failure invalidates the
// session".
func (c *Conn) processOneRecord() (ok bool, fatal bool) {
	if !c.sess.Active {
		c.mu.Lock()
		if len(c.inbound) > 0 {
			c.plainIn = append(c.plainIn, c.inbound...)
			c.inbound = nil
		}
		c.mu.Unlock()
		return false, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) < 2 {
		return false, false
	}
	length := binary.LittleEndian.Uint16(c.inbound[:2])
	total := 2 + int(length)
	if len(c.inbound) < total {
		return false, false
	}
	aad := c.inbound[:2]
	ciphertext := c.inbound[2:total]
	plaintext, err := c.sess.DecryptInbound(aad, ciphertext)
	if err != nil {
		return false, true
	}
	c.plainIn = append(c.plainIn, plaintext...)
	c.inbound = append([]byte(nil), c.inbound[total:]...)
	return true, false
}

func (c *Conn) peekPlainIn() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.plainIn...)
}

func (c *Conn) consumePlainIn(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plainIn = append([]byte(nil), c.plainIn[n:]...)
}

// enqueue appends resp to the outbound queue, encrypting and framing it
// first when encrypt is true. encrypt reflects whether the control
// channel was active before the request that produced resp was routed,
// so a Pair Verify M4 response (which completes the handshake) still
// goes out in plaintext per spec.md §4.G.
func (c *Conn) enqueue(resp []byte, encrypt bool) {
	var framed []byte
	if encrypt {
		framed = c.frameEncrypted(resp)
	} else {
		framed = resp
	}
	c.mu.Lock()
	c.outbound = append(c.outbound, framed...)
	c.mu.Unlock()
	c.drainOutbound()
}

// frameEncrypted splits plaintext into maxPlaintextChunk records, each
// sealed under the session's accessory->controller key with the
// 2-byte little-endian length prefix as AAD, per spec.md §3.
func (c *Conn) frameEncrypted(plaintext []byte) []byte {
	var out bytes.Buffer
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > maxPlaintextChunk {
			n = maxPlaintextChunk
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]

		var lenPrefix [2]byte
		binary.LittleEndian.PutUint16(lenPrefix[:], uint16(n))
		sealed, err := c.sess.EncryptOutbound(lenPrefix[:], chunk)
		if err != nil {
			c.server.Logger.WithField("transport", "ip").WithError(err).Error("encrypt outbound record")
			return out.Bytes()
		}
		out.Write(lenPrefix[:])
		out.Write(sealed)
	}
	return out.Bytes()
}

func (c *Conn) drainOutbound() {
	c.mu.Lock()
	pending := c.outbound
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	n, err := c.tcp.Write(pending)
	c.mu.Lock()
	c.outbound = append([]byte(nil), c.outbound[n:]...)
	c.mu.Unlock()
	if err != nil {
		c.Close()
	}
}

// Close tears down the connection and its session, mirroring
// AccessoryServer.CloseSession's invalidate-then-detach order.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.server.HAP.CloseSession(c.sess.ID)
	_ = c.tcp.Close()
}
