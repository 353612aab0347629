package probe

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

const minRSABits = 2048

// EvaluatePosture flags weak negotiated parameters and a weak leaf.
// Returns nil when nothing is found.
func EvaluatePosture(version, cipherSuite uint16, leaf *x509.Certificate) []string {
	var issues []string
	for _, issue := range []string{
		versionIssue(version),
		cipherIssue(cipherSuite),
		keyIssue(leaf),
		signatureIssue(leaf),
	} {
		if issue != "" {
			issues = append(issues, issue)
		}
	}
	return issues
}

func versionIssue(v uint16) string {
	switch v {
	case tls.VersionSSL30: //nolint:staticcheck // deliberately checking deprecated version
		return "weak TLS version: SSL 3.0"
	case tls.VersionTLS10:
		return "weak TLS version: TLS 1.0"
	case tls.VersionTLS11:
		return "weak TLS version: TLS 1.1"
	default:
		return ""
	}
}

func cipherIssue(id uint16) string {
	if id == 0 {
		return ""
	}
	name := tls.CipherSuiteName(id)
	for _, cs := range tls.InsecureCipherSuites() {
		if cs.ID == id {
			return fmt.Sprintf("weak cipher: %s (%s)", name, insecureReason(name))
		}
	}
	// BEAST, Lucky13
	if strings.Contains(name, "CBC") {
		return fmt.Sprintf("CBC-mode cipher: %s", name)
	}
	if strings.HasPrefix(name, "TLS_RSA_") {
		return fmt.Sprintf("no forward secrecy: %s", name)
	}
	return ""
}

func insecureReason(name string) string {
	switch {
	case strings.Contains(name, "RC4"):
		return "RC4"
	case strings.Contains(name, "3DES"):
		return "3DES"
	case strings.Contains(name, "NULL"):
		return "NULL"
	default:
		return "insecure"
	}
}

func keyIssue(leaf *x509.Certificate) string {
	if leaf == nil {
		return ""
	}
	switch k := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		if bits := k.N.BitLen(); bits < minRSABits {
			return fmt.Sprintf("weak key: RSA %d bits", bits)
		}
	case *ecdsa.PublicKey:
		if bits := k.Curve.Params().BitSize; bits < 256 {
			return fmt.Sprintf("weak key: ECDSA %d bits", bits)
		}
	}
	return ""
}

func signatureIssue(leaf *x509.Certificate) string {
	if leaf == nil {
		return ""
	}
	switch leaf.SignatureAlgorithm {
	case x509.MD5WithRSA, x509.SHA1WithRSA, x509.ECDSAWithSHA1, x509.DSAWithSHA1:
		return fmt.Sprintf("weak signature: %s", leaf.SignatureAlgorithm)
	}
	return ""
}
