// Package probe classifies TCP reachability and inspects TLS endpoints.
package probe

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ppiankov/otterhound/internal/chain"
	"github.com/ppiankov/otterhound/internal/revocation"
	"github.com/ppiankov/otterhound/internal/store"
)

// Retry defaults for transient dial errors.
var (
	retryMax   = 2
	retryDelay = 500 * time.Millisecond
)

// Inspector performs read-only TLS handshakes and summarizes what the
// server presented.
type Inspector struct {
	dial       DialContextFunc
	revocation *revocation.Checker
	nowFn      func() time.Time
	serverName string
	validator  chain.Validator
}

// InspectorOption configures an Inspector.
type InspectorOption func(*Inspector)

// WithDialer sets the dial function used for handshakes.
func WithDialer(dial DialContextFunc) InspectorOption {
	return func(in *Inspector) { in.dial = dial }
}

// WithValidator sets the trust policy applied to presented chains.
func WithValidator(v chain.Validator) InspectorOption {
	return func(in *Inspector) { in.validator = v }
}

// WithRevocation enables OCSP and CRL checks of the leaf.
func WithRevocation(c *revocation.Checker) InspectorOption {
	return func(in *Inspector) { in.revocation = c }
}

// WithServerName sets the SNI for targets that carry none, such as IP literals.
func WithServerName(name string) InspectorOption {
	return func(in *Inspector) { in.serverName = name }
}

// NewInspector returns an Inspector with the given options applied.
func NewInspector(opts ...InspectorOption) *Inspector {
	in := &Inspector{dial: DirectDialer(), nowFn: time.Now}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Inspect handshakes with t and returns the negotiated parameters and the
// verbatim peer chain. No application data is written. Dial failures are
// retried with exponential back-off and wrap ErrConnection; handshake
// failures are returned at once and wrap ErrHandshake. timeout bounds every
// attempt and back-off together; revocation lookups run after it.
func (in *Inspector) Inspect(ctx context.Context, t store.Target, timeout time.Duration) (*store.TLSSummary, error) {
	sni := t.ServerName
	if sni == "" {
		sni = in.serverName
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastDialErr error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(hctx, retryDelay*time.Duration(1<<uint(attempt-1))); err != nil {
				return nil, fmt.Errorf("%w: %w (after %s)", ErrConnection, lastDialErr, err)
			}
		}

		rawConn, err := in.dial(hctx, "tcp", t.Key())
		if err != nil {
			lastDialErr = err
			if hctx.Err() != nil {
				break
			}
			continue
		}

		tlsConn := tls.Client(rawConn, clientConfig(sni))
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			rawConn.Close() //nolint:errcheck // handshake already failed
			return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		state := tlsConn.ConnectionState()
		tlsConn.Close() //nolint:errcheck // read-only probe
		cancel()

		if len(state.PeerCertificates) == 0 {
			return nil, fmt.Errorf("%w: no peer certificates presented", ErrHandshake)
		}

		summary := in.summarize(ctx, t, sni, state)
		summary.RetryCount = attempt
		return summary, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrConnection, lastDialErr)
}

func (in *Inspector) summarize(ctx context.Context, t store.Target, sni string, state tls.ConnectionState) *store.TLSSummary {
	certs := state.PeerCertificates
	s := &store.TLSSummary{
		Target:        t,
		ServerName:    sni,
		Version:       tls.VersionName(state.Version),
		VersionID:     state.Version,
		CipherSuite:   tls.CipherSuiteName(state.CipherSuite),
		CipherSuiteID: state.CipherSuite,
		ALPN:          state.NegotiatedProtocol,
		OCSPStapled:   len(state.OCSPResponse) > 0,
		Chain:         make([]store.CertInfo, 0, len(certs)),
	}
	for _, c := range certs {
		s.Chain = append(s.Chain, certInfo(c))
	}

	s.ValidationErrors = in.validator.Validate(certs, sni, in.nowFn())
	s.PostureIssues = EvaluatePosture(state.Version, state.CipherSuite, certs[0])

	if in.revocation != nil && len(certs) > 1 {
		s.RevocationIssues = in.revocation.Check(ctx, certs[0], certs[1], state.OCSPResponse)
	}
	return s
}

func clientConfig(sni string) *tls.Config {
	return &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true, //nolint:gosec // chains are judged by the trust policy, not rejected
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS13,
		CipherSuites:       allCipherSuites(),
		NextProtos:         []string{"h2", "http/1.1"},
	}
}

// allCipherSuites offers insecure suites too so weak servers still complete
// a handshake and can be reported.
func allCipherSuites() []uint16 {
	var ids []uint16
	for _, cs := range tls.CipherSuites() {
		ids = append(ids, cs.ID)
	}
	for _, cs := range tls.InsecureCipherSuites() {
		ids = append(ids, cs.ID)
	}
	return ids
}

func certInfo(c *x509.Certificate) store.CertInfo {
	sum := sha256.Sum256(c.Raw)
	info := store.CertInfo{
		Subject:            c.Subject.String(),
		Issuer:             c.Issuer.String(),
		Serial:             c.SerialNumber.Text(16),
		SignatureAlgorithm: c.SignatureAlgorithm.String(),
		FingerprintSHA256:  hex.EncodeToString(sum[:]),
		NotBefore:          c.NotBefore,
		NotAfter:           c.NotAfter,
		DNSNames:           c.DNSNames,
		Raw:                append([]byte(nil), c.Raw...),
		IsCA:               c.IsCA,
	}
	for _, ip := range c.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
