// Package relay is a SOCKS5 CONNECT relay for scanning from a jump host.
//
// Run it where the targets are reachable and point "scan --proxy" at it.
// Dial failures are reported with distinct SOCKS reply codes so the scanner
// on the other side can still tell closed ports from filtered ones.
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go4.org/netipx"
)

const (
	socks5Version = 0x05
	cmdConnect    = 0x01
	atypIPv4      = 0x01
	atypDomain    = 0x03
	atypIPv6      = 0x04
	authNone      = 0x00
	authNoAccept  = 0xFF

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repNotAllowed       = 0x02
	repNetUnreachable   = 0x03
	repHostUnreachable  = 0x04
	repConnRefused      = 0x05
	repCmdNotSupported  = 0x07
	repAddrNotSupported = 0x08
)

// DefaultAddr is the listen address when Server.Addr is empty.
const DefaultAddr = "127.0.0.1:1080"

const defaultDialTimeout = 5 * time.Second

var errNotAllowed = errors.New("destination not allowed")

// Server relays CONNECT requests without authentication. Domain names are
// resolved on the relay side.
type Server struct {
	// Allow restricts destinations. Nil allows every address.
	Allow  *netipx.IPSet
	Logger *slog.Logger
	Addr   string
	// DialTimeout bounds each outbound connection. Default 5s.
	DialTimeout time.Duration
}

// ListenAndServe listens on Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln
// and waits for in-flight relays to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // unblocks Accept
	}()

	s.logger().Info("relay listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() }) //nolint:errcheck // shutdown
	defer stop()

	if err := negotiate(conn); err != nil {
		s.logger().Debug("relay handshake failed", "client", conn.RemoteAddr().String(), "err", err)
		return
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	if header[1] != cmdConnect {
		sendReply(conn, repCmdNotSupported)
		return
	}
	host, port, err := readAddr(conn, header[3])
	if err != nil {
		sendReply(conn, repAddrNotSupported)
		return
	}

	target, err := s.dial(ctx, host, port)
	if err != nil {
		s.logger().Debug("relay dial failed", "dest", net.JoinHostPort(host, strconv.Itoa(int(port))), "err", err)
		sendReply(conn, replyFor(err))
		return
	}
	defer target.Close()

	sendReply(conn, repSuccess)
	pipe(conn, target)
}

// pipe copies in both directions. When either side finishes both
// connections are closed, so a probe that connects and hangs up does not
// leave the outbound connection open.
func pipe(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close() //nolint:errcheck // relay teardown
			b.Close() //nolint:errcheck // relay teardown
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(b, a) //nolint:errcheck // relay best-effort
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		io.Copy(a, b) //nolint:errcheck // relay best-effort
		closeBoth()
	}()
	wg.Wait()
}

// dial connects to host:port, resolving names and enforcing Allow.
func (s *Server) dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a.Unmap()}
	} else {
		resolved, lerr := net.DefaultResolver.LookupNetIP(dctx, "ip", host)
		if lerr != nil {
			return nil, lerr
		}
		addrs = resolved
	}

	var d net.Dialer
	var lastErr error = errNotAllowed
	for _, a := range addrs {
		a = a.Unmap()
		if s.Allow != nil && !s.Allow.Contains(a) {
			continue
		}
		conn, err := d.DialContext(dctx, "tcp", netip.AddrPortFrom(a, port).String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// replyFor maps a dial error to the SOCKS reply the scanner classifies.
func replyFor(err error) byte {
	var ne net.Error
	switch {
	case errors.Is(err, errNotAllowed):
		return repNotAllowed
	case errors.Is(err, syscall.ECONNREFUSED):
		return repConnRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return repNetUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return repHostUnreachable
	default:
		return repGeneralFailure
	}
}

// negotiate performs the version and method exchange. Only no-auth is offered.
func negotiate(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != socks5Version {
		return fmt.Errorf("unsupported SOCKS version %d", header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	for _, m := range methods {
		if m == authNone {
			_, err := conn.Write([]byte{socks5Version, authNone})
			return err
		}
	}

	conn.Write([]byte{socks5Version, authNoAccept}) //nolint:errcheck // closing anyway
	return errors.New("no acceptable auth method")
}

// readAddr parses the destination of a request.
func readAddr(r io.Reader, atyp byte) (string, uint16, error) {
	var host string
	switch atyp {
	case atypIPv4, atypIPv6:
		n := 4
		if atyp == atypIPv6 {
			n = 16
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", 0, err
		}
		a, _ := netip.AddrFromSlice(buf)
		host = a.Unmap().String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return "", 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", 0, err
		}
		host = string(domain)
	default:
		return "", 0, fmt.Errorf("unsupported address type: 0x%02x", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(portBuf), nil
}

// sendReply writes a reply with a zero bound address.
func sendReply(conn net.Conn, rep byte) {
	reply := []byte{socks5Version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	conn.Write(reply) //nolint:errcheck // best-effort reply
}

// ParseAllow builds an allow set from IPs and CIDR blocks. An empty list
// returns nil, which allows everything.
func ParseAllow(entries []string) (*netipx.IPSet, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("allow entry %q is not an IP or CIDR block", e)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
