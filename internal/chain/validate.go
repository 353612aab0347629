// Package chain evaluates presented X.509 certificate chains against a
// trust policy. Findings are reported, never enforced.
package chain

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// Policy selects how much validation a presented chain receives.
type Policy string

const (
	// PolicyNone records the chain without judging it.
	PolicyNone Policy = "none"
	// PolicyChain runs structural checks using only the presented certificates.
	PolicyChain Policy = "chain"
	// PolicySystem adds verification against a root pool (system roots by default).
	PolicySystem Policy = "system"
)

// ParsePolicy maps a flag value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicyChain, PolicySystem:
		return p, nil
	case "":
		return PolicyNone, nil
	default:
		return "", fmt.Errorf("unknown trust policy %q (use none, chain or system)", s)
	}
}

// Validator applies a Policy. The zero value validates nothing.
type Validator struct {
	// Roots overrides the system pool for PolicySystem.
	Roots  *x509.CertPool
	Policy Policy
}

// Validate returns the validation findings for chain. chain[0] is the leaf.
func (v Validator) Validate(chain []*x509.Certificate, hostname string, now time.Time) []string {
	switch v.Policy {
	case PolicyChain:
		return ValidateChain(chain, hostname, now).Errors
	case PolicySystem:
		errs := ValidateChain(chain, hostname, now).Errors
		if err := verifyAgainstRoots(chain, v.Roots, now); err != nil {
			errs = append(errs, fmt.Sprintf("untrusted chain: %v", err))
		}
		return errs
	default:
		return nil
	}
}

// ValidationResult holds the outcome of structural chain validation.
type ValidationResult struct {
	Errors []string
	Chain  []*x509.Certificate
}

// ValidateChain checks a chain for common trust issues using only the
// certificates it contains. hostname is optional; if non-empty, SAN coverage
// is checked.
func ValidateChain(chain []*x509.Certificate, hostname string, now time.Time) ValidationResult {
	result := ValidationResult{Chain: chain}
	if len(chain) == 0 {
		return result
	}

	leaf := chain[0]

	if isSelfSigned(leaf) && !leaf.IsCA {
		result.Errors = append(result.Errors, "leaf certificate is self-signed")
	}

	if leaf.NotAfter.Before(now) {
		result.Errors = append(result.Errors, fmt.Sprintf("leaf expired %s", leaf.NotAfter.UTC().Format(time.RFC3339)))
	} else if leaf.NotBefore.After(now) {
		result.Errors = append(result.Errors, fmt.Sprintf("leaf not valid before %s", leaf.NotBefore.UTC().Format(time.RFC3339)))
	}

	for _, c := range chain[1:] {
		if c.NotAfter.Before(now) {
			result.Errors = append(result.Errors, fmt.Sprintf("intermediate expired: %s", subjectName(c)))
		} else if c.NotBefore.After(now) {
			result.Errors = append(result.Errors, fmt.Sprintf("intermediate not yet valid: %s", subjectName(c)))
		}
	}

	for i := 0; i < len(chain)-1; i++ {
		if !bytes.Equal(chain[i].RawIssuer, chain[i+1].RawSubject) {
			result.Errors = append(result.Errors, fmt.Sprintf("chain misordered at position %d", i))
			break // first mismatch only
		}
	}

	if err := verifyPresented(leaf, chain[1:], now); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("chain verification failed: %v", err))
	}

	if hostname != "" {
		if err := leaf.VerifyHostname(hostname); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("certificate does not cover hostname %q", hostname))
		}
	}

	return result
}

// verifyPresented verifies the leaf against the rest of the presented chain,
// treating self-signed CAs in it as roots. A lone leaf is not verified.
func verifyPresented(leaf *x509.Certificate, rest []*x509.Certificate, now time.Time) error {
	if len(rest) == 0 {
		return nil
	}
	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	for _, c := range rest {
		if c.IsCA && bytes.Equal(c.RawIssuer, c.RawSubject) {
			roots.AddCert(c)
		} else {
			intermediates.AddCert(c)
		}
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// verifyAgainstRoots verifies the leaf against roots (nil = system pool),
// using the rest of the chain as intermediates.
func verifyAgainstRoots(chain []*x509.Certificate, roots *x509.CertPool, now time.Time) error {
	if len(chain) == 0 {
		return nil
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// ParsePEMBundle decodes all CERTIFICATE PEM blocks from data.
func ParsePEMBundle(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return certs, fmt.Errorf("parsing certificate at position %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificate blocks found")
	}
	return certs, nil
}

// PoolFromPEM builds a root pool from a PEM bundle.
func PoolFromPEM(data []byte) (*x509.CertPool, error) {
	certs, err := ParsePEMBundle(data)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}
	if len(c.AuthorityKeyId) > 0 && len(c.SubjectKeyId) > 0 {
		return bytes.Equal(c.AuthorityKeyId, c.SubjectKeyId)
	}
	return true
}

func subjectName(c *x509.Certificate) string {
	if c.Subject.CommonName != "" {
		return c.Subject.CommonName
	}
	return c.Subject.String()
}
