// Package camstream speaks the camera cloud's proprietary stream protocol:
// a TLS connection opened with a fixed-layout auth preamble, then a simple
// framed packet stream carrying MPEG-TS.
package camstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

// HostChecker validates the stream endpoint host before dialing.
type HostChecker interface {
	AllowHost(host string) error
}

// Endpoint is a parsed immis:// stream address.
type Endpoint struct {
	Host     string
	Port     string
	ClientID uint32
	ConnID   string
}

// ParseEndpoint splits an immis:// URL into its dialing parts. The client id
// rides in the query string and the connection id is the last path segment
// up to the first "__".
func ParseEndpoint(raw string) (Endpoint, error) {
	fixed := strings.Replace(raw, "immis://", "https://", 1)
	u, err := url.Parse(fixed)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse stream endpoint: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("stream endpoint missing host")
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}

	var clientID uint32
	if v := u.Query().Get("client_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			clientID = uint32(n)
		}
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segs[len(segs)-1]
	connID, _, _ := strings.Cut(last, "__")
	if connID == "" {
		return Endpoint{}, fmt.Errorf("stream endpoint missing connection id")
	}

	return Endpoint{Host: u.Hostname(), Port: port, ClientID: clientID, ConnID: connID}, nil
}

// Conn is an established stream connection, preamble already sent.
type Conn struct {
	c net.Conn
}

// Dial connects to a liveview grant's server and writes the auth preamble.
// The endpoint host must pass the guard before any packets leave the box.
func Dial(ctx context.Context, rawURL, serial string, checker HostChecker) (*Conn, error) {
	ep, err := ParseEndpoint(rawURL)
	if err != nil {
		return nil, gwerr.New(gwerr.KindDestinationRejected, "bad stream endpoint", err)
	}
	if checker != nil {
		if err := checker.AllowHost(ep.Host); err != nil {
			return nil, err
		}
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second}
	// The stream hosts present certs for internal names; the upstream's own
	// apps skip verification here too. The host was allowlist-checked above.
	tlsConn, err := (&tls.Dialer{
		NetDialer: dialer,
		Config:    &tls.Config{InsecureSkipVerify: true},
	}).DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, ep.Port))
	if err != nil {
		return nil, gwerr.New(gwerr.KindUpstreamUnavailable, "stream dial failed", err)
	}

	conn := &Conn{c: tlsConn}
	if err := conn.writeAll(AuthPreamble(serial, ep.ClientID, ep.ConnID)); err != nil {
		tlsConn.Close()
		return nil, gwerr.New(gwerr.KindUpstreamUnavailable, "stream auth write failed", err)
	}
	return conn, nil
}

func (c *Conn) Close() error { return c.c.Close() }

// SetReadDeadline bounds the next ReadPacket.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.c.SetReadDeadline(t) }

func (c *Conn) writeAll(buf []byte) error {
	c.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.c.Write(buf)
	return err
}

// AuthPreamble builds the fixed 122-byte header the stream server expects
// before it will emit media: magic, padded serial, client id, a static
// marker, an empty 64-byte token slot, the padded connection id, and a
// trailer word.
func AuthPreamble(serial string, clientID uint32, connID string) []byte {
	buf := make([]byte, 0, 122)

	var u32 [4]byte
	put := func(v uint32) {
		binary.BigEndian.PutUint32(u32[:], v)
		buf = append(buf, u32[:]...)
	}
	putPadded := func(s string, size int) {
		put(uint32(size))
		b := []byte(s)
		if len(b) > size {
			b = b[:size]
		}
		buf = append(buf, b...)
		for i := len(b); i < size; i++ {
			buf = append(buf, 0)
		}
	}

	put(0x28)
	putPadded(serial, 16)
	put(clientID)
	buf = append(buf, 0x01, 0x08)
	put(64)
	buf = append(buf, make([]byte, 64)...)
	putPadded(connID, 16)
	put(0x01)
	return buf
}
