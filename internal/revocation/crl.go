package revocation

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxCRLSize = 10 << 20

// CheckCRL looks the certificate serial up in each CRL distribution point.
func (c *Checker) CheckCRL(ctx context.Context, cert *x509.Certificate) *Result {
	for _, dp := range cert.CRLDistributionPoints {
		crl := c.cache.Get(dp)
		if crl == nil {
			var err error
			crl, err = c.fetchCRL(ctx, dp)
			if err != nil {
				return &Result{
					Status: StatusUnreachable,
					Detail: fmt.Sprintf("CRL fetch from %s: %v", dp, err),
				}
			}
			c.cache.Set(dp, crl)
		}

		if !crl.NextUpdate.IsZero() && crl.NextUpdate.Before(c.nowFn()) {
			return &Result{
				Status: StatusCRLStale,
				Detail: fmt.Sprintf("CRL from %s expired %s", dp, crl.NextUpdate.UTC().Format(time.RFC3339)),
			}
		}

		for _, revoked := range crl.RevokedCertificateEntries {
			if cert.SerialNumber.Cmp(revoked.SerialNumber) == 0 {
				return &Result{
					Status: StatusRevoked,
					Detail: fmt.Sprintf("CRL from %s lists serial %s", dp, cert.SerialNumber.Text(16)),
				}
			}
		}
	}
	return nil
}

func (c *Checker) fetchCRL(ctx context.Context, url string) (*x509.RevocationList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req) //nolint:gosec // distribution point comes from the certificate
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only fetch

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCRLSize))
	if err != nil {
		return nil, fmt.Errorf("reading CRL: %w", err)
	}
	return x509.ParseRevocationList(data)
}
