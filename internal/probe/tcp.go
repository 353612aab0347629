package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ppiankov/otterhound/internal/store"
)

// Prober classifies TCP reachability of a target.
type Prober struct {
	dial DialContextFunc
}

// NewProber returns a Prober using dial. A nil dial uses DirectDialer.
func NewProber(dial DialContextFunc) *Prober {
	if dial == nil {
		dial = DirectDialer()
	}
	return &Prober{dial: dial}
}

// Probe opens a connection to t bounded by timeout and closes it at once.
// It never fails; every outcome is expressed in the returned status.
func (p *Prober) Probe(ctx context.Context, t store.Target, timeout time.Duration) store.ProbeResult {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(dctx, "tcp", t.Key())
	res := store.ProbeResult{Target: t, Latency: time.Since(start)}
	if err == nil {
		conn.Close() //nolint:errcheck // nothing was written
		res.Status = store.StatusOpen
		return res
	}

	res.Status, res.ErrorKind = Classify(ctx, err)
	res.Error = err.Error()
	return res
}

// Classify maps a dial error to a status. parent is the scan-wide context;
// when it is done the target is incomplete rather than filtered.
func Classify(parent context.Context, err error) (store.Status, store.ErrorKind) {
	switch {
	case err == nil:
		return store.StatusOpen, store.ErrorKindNone
	case parent.Err() != nil:
		return store.StatusIncomplete, store.ErrorKindDeadline
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return store.StatusClosed, store.ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return store.StatusFiltered, store.ErrorKindNone
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return store.StatusFiltered, store.ErrorKindNone
	case strings.Contains(err.Error(), "connection refused"):
		// proxies report refusals as text
		return store.StatusClosed, store.ErrorKindNone
	case strings.Contains(err.Error(), "host unreachable"),
		strings.Contains(err.Error(), "network unreachable"),
		strings.Contains(err.Error(), "TTL expired"):
		return store.StatusFiltered, store.ErrorKindNone
	default:
		return store.StatusError, store.ErrorKindConnection
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
