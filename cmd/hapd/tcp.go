package main

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-hap/hapcore/capability"
)

// netTCPListener is a concrete capability.TCPListener over a real
// net.Listener. The core module's capability.go explicitly scopes
// concrete sockets out of its boundary ("concrete drivers ... are
// explicitly out of this module's scope"); hapd is the binary that
// has to actually bind one.
type netTCPListener struct {
	ln net.Listener
}

// Open resolves interfaceName (if non-empty) to one of its IPv4
// addresses and listens on it; an empty interfaceName listens on every
// interface, matching capability.TCPListener's documented contract.
func (l *netTCPListener) Open(interfaceName string, port uint16, accept func(capability.TCPConn)) error {
	host := ""
	if interfaceName != "" {
		ip, err := firstIPv4(interfaceName)
		if err != nil {
			return fmt.Errorf("hapd: resolve interface %q: %w", interfaceName, err)
		}
		host = ip
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hapd: listen %s: %w", addr, err)
	}
	l.ln = ln

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accept(newNetTCPConn(c))
		}
	}()
	return nil
}

// Close implements capability.TCPListener.
func (l *netTCPListener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func firstIPv4(interfaceName string) (string, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address on interface %q", interfaceName)
}

// netTCPConn adapts a blocking net.Conn to capability.TCPConn's
// non-blocking, readiness-callback-driven contract: a background
// goroutine blocks on the real socket and feeds a buffer that Read
// drains without blocking, firing the readiness callback whenever new
// bytes arrive.
type netTCPConn struct {
	conn net.Conn

	mu       sync.Mutex
	buffered bytes.Buffer
	callback func(capability.ReadinessFlags)
	closed   bool
}

func newNetTCPConn(c net.Conn) *netTCPConn {
	return &netTCPConn{conn: c}
}

// SetReadinessCallback implements capability.TCPConn, starting the
// background reader loop once a callback is installed.
func (c *netTCPConn) SetReadinessCallback(fn func(capability.ReadinessFlags)) error {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

func (c *netTCPConn) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.buffered.Write(buf[:n])
			cb := c.callback
			c.mu.Unlock()
			if cb != nil {
				cb(capability.ReadinessFlags{HasBytesAvailable: true, HasSpaceAvailable: true})
			}
		}
		if err != nil {
			return
		}
	}
}

// Read implements capability.TCPConn, draining whatever the background
// reader has buffered without blocking. It returns (0, nil) rather
// than an error when nothing is currently buffered, mirroring a
// readiness-driven Read that has nothing left to offer this call.
func (c *netTCPConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffered.Len() == 0 {
		return 0, nil
	}
	return c.buffered.Read(b)
}

// Write implements capability.TCPConn.
func (c *netTCPConn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close implements capability.TCPConn.
func (c *netTCPConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
