// Package revocation checks certificate revocation status via OCSP and CRL.
package revocation

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"
)

// Revocation status constants.
const (
	StatusRevoked       = "revoked"
	StatusUnreachable   = "unreachable"
	StatusStapleInvalid = "staple_invalid"
	StatusCRLStale      = "crl_stale"
)

const defaultHTTPTimeout = 10 * time.Second

// Result holds the outcome of a single revocation lookup.
type Result struct {
	Status string
	Detail string
}

// Checker queries OCSP responders and CRL distribution points. It is safe
// for concurrent use; CRLs are shared across targets through the cache.
type Checker struct {
	client *http.Client
	cache  *CRLCache
	nowFn  func() time.Time
}

// NewChecker returns a Checker using client for responder and CRL fetches.
// A nil client gets a plain client with a 10s timeout.
func NewChecker(client *http.Client) *Checker {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Checker{
		client: client,
		cache:  NewCRLCache(),
		nowFn:  time.Now,
	}
}

// Check runs OCSP (stapled first, then the responder) and CRL checks on cert.
// Returns human-readable issue strings; nil means nothing was found.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate, staple []byte) []string {
	if cert == nil {
		return nil
	}

	var issues []string
	if issuer != nil {
		if r := c.CheckOCSP(ctx, cert, issuer, staple); r != nil {
			issues = append(issues, formatIssue(r))
		}
	}
	if r := c.CheckCRL(ctx, cert); r != nil {
		issues = append(issues, formatIssue(r))
	}
	return issues
}

func formatIssue(r *Result) string {
	var tag string
	switch r.Status {
	case StatusRevoked:
		tag = "CERT_REVOKED"
	case StatusUnreachable:
		tag = "REVOCATION_UNREACHABLE"
	case StatusStapleInvalid:
		tag = "OCSP_STAPLE_INVALID"
	case StatusCRLStale:
		tag = "CRL_STALE"
	default:
		tag = "REVOCATION_UNKNOWN"
	}
	return fmt.Sprintf("%s: %s", tag, r.Detail)
}
