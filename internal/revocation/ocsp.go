package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

const maxOCSPResponseSize = 1 << 20

// CheckOCSP checks revocation via a stapled response when one was presented,
// otherwise via the first AIA OCSP responder.
func (c *Checker) CheckOCSP(ctx context.Context, cert, issuer *x509.Certificate, staple []byte) *Result {
	if len(staple) > 0 {
		return c.checkStaple(staple, issuer)
	}
	if len(cert.OCSPServer) == 0 {
		return nil
	}
	return c.queryResponder(ctx, cert, issuer)
}

func (c *Checker) checkStaple(staple []byte, issuer *x509.Certificate) *Result {
	resp, err := ocsp.ParseResponse(staple, issuer)
	if err != nil {
		return &Result{Status: StatusStapleInvalid, Detail: fmt.Sprintf("OCSP staple parse error: %v", err)}
	}
	if !resp.NextUpdate.IsZero() && resp.NextUpdate.Before(c.nowFn()) {
		return &Result{
			Status: StatusStapleInvalid,
			Detail: fmt.Sprintf("OCSP staple expired at %s", resp.NextUpdate.UTC().Format(time.RFC3339)),
		}
	}
	return classifyResponse(resp, "OCSP staple")
}

func (c *Checker) queryResponder(ctx context.Context, cert, issuer *x509.Certificate) *Result {
	responder := cert.OCSPServer[0]

	reqBytes, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return &Result{Status: StatusUnreachable, Detail: fmt.Sprintf("OCSP request creation failed: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(reqBytes))
	if err != nil {
		return &Result{Status: StatusUnreachable, Detail: fmt.Sprintf("OCSP responder %s: %v", responder, err)}
	}
	req.Header.Set("Content-Type", "application/ocsp-request")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return &Result{Status: StatusUnreachable, Detail: fmt.Sprintf("OCSP responder %s: %v", responder, err)}
	}
	defer httpResp.Body.Close() //nolint:errcheck // read-only check

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxOCSPResponseSize))
	if err != nil {
		return &Result{Status: StatusUnreachable, Detail: fmt.Sprintf("OCSP response read error: %v", err)}
	}

	resp, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return &Result{Status: StatusUnreachable, Detail: fmt.Sprintf("OCSP response parse error: %v", err)}
	}
	return classifyResponse(resp, "OCSP responder "+responder)
}

func classifyResponse(resp *ocsp.Response, source string) *Result {
	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return &Result{
			Status: StatusRevoked,
			Detail: fmt.Sprintf("%s: revoked at %s", source, resp.RevokedAt.UTC().Format(time.RFC3339)),
		}
	default:
		return &Result{Status: StatusUnreachable, Detail: fmt.Sprintf("%s: status %d", source, resp.Status)}
	}
}
