// Package store holds the data model shared by the scan pipeline.
package store

import (
	"net"
	"strconv"
	"time"
)

// Protocol is a hint about what a target is expected to speak.
type Protocol string

const (
	ProtocolNone Protocol = ""
	ProtocolTCP  Protocol = "tcp"
	ProtocolTLS  Protocol = "tls"
)

// Status classifies the reachability of a single target.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusFiltered   Status = "filtered"
	StatusError      Status = "error"
	StatusIncomplete Status = "incomplete"
)

// ErrorKind names the failure class attached to a result.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindHandshake  ErrorKind = "handshake"
	ErrorKindDeadline   ErrorKind = "deadline"
)

// Phase is the orchestrator state at the time a report was taken.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseEnumerating Phase = "enumerating"
	PhaseProbing     Phase = "probing"
	PhaseFinalizing  Phase = "finalizing"
	PhaseDone        Phase = "done"
)

// Target is a single (host, port) pair to probe. Immutable once enumerated.
type Target struct {
	Host       string   `json:"host"`
	Protocol   Protocol `json:"protocol,omitempty"`
	ServerName string   `json:"serverName,omitempty"`
	Port       uint16   `json:"port"`
}

// Key returns the dial address, which is also the uniqueness key within a scan.
func (t Target) Key() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) String() string {
	if t.Protocol == ProtocolNone {
		return t.Key()
	}
	return string(t.Protocol) + "://" + t.Key()
}

// ProbeResult is the outcome of one connection attempt.
type ProbeResult struct {
	Target    Target        `json:"target"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"errorKind,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// CertInfo describes one presented certificate. Raw is the verbatim DER.
type CertInfo struct {
	NotBefore          time.Time `json:"notBefore"`
	NotAfter           time.Time `json:"notAfter"`
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	Serial             string    `json:"serial"`
	SignatureAlgorithm string    `json:"signatureAlgorithm"`
	FingerprintSHA256  string    `json:"fingerprintSha256"`
	DNSNames           []string  `json:"dnsNames,omitempty"`
	IPAddresses        []string  `json:"ipAddresses,omitempty"`
	Raw                []byte    `json:"raw"`
	IsCA               bool      `json:"isCA"`
}

// TLSSummary is what a completed handshake revealed.
type TLSSummary struct {
	Target           Target     `json:"target"`
	ServerName       string     `json:"serverName,omitempty"`
	Version          string     `json:"version"`
	CipherSuite      string     `json:"cipherSuite"`
	ALPN             string     `json:"alpn,omitempty"`
	Chain            []CertInfo `json:"chain"`
	ValidationErrors []string   `json:"validationErrors,omitempty"`
	PostureIssues    []string   `json:"postureIssues,omitempty"`
	RevocationIssues []string   `json:"revocationIssues,omitempty"`
	RetryCount       int        `json:"retryCount,omitempty"`
	VersionID        uint16     `json:"versionId"`
	CipherSuiteID    uint16     `json:"cipherSuiteId"`
	OCSPStapled      bool       `json:"ocspStapled"`
}

// Leaf returns the first certificate of the chain, or nil.
func (s *TLSSummary) Leaf() *CertInfo {
	if s == nil || len(s.Chain) == 0 {
		return nil
	}
	return &s.Chain[0]
}

// Entry is one target's final record in a report.
type Entry struct {
	TLS      *TLSSummary `json:"tls,omitempty"`
	TLSError string      `json:"tlsError,omitempty"`
	Target   Target      `json:"target"`
	Probe    ProbeResult `json:"probe"`
	Index    int         `json:"index"`
}

// InvalidSpec records a target specification that could not be enumerated.
type InvalidSpec struct {
	Spec   string `json:"spec"`
	Reason string `json:"reason"`
}

// Report is the ordered record of every target outcome for one run.
// Entries follow target enumeration order.
type Report struct {
	StartedAt        time.Time     `json:"startedAt"`
	FinishedAt       time.Time     `json:"finishedAt"`
	ID               string        `json:"id,omitempty"`
	Phase            Phase         `json:"phase"`
	Entries          []Entry       `json:"entries"`
	InvalidSpecs     []InvalidSpec `json:"invalidSpecs,omitempty"`
	DeadlineExceeded bool          `json:"deadlineExceeded,omitempty"`
	Cancelled        bool          `json:"cancelled,omitempty"`
}

// Incomplete reports whether any target never reached a real result.
func (r *Report) Incomplete() bool {
	if r.DeadlineExceeded || r.Cancelled {
		return true
	}
	for i := range r.Entries {
		if r.Entries[i].Probe.Status == StatusIncomplete {
			return true
		}
	}
	return false
}

// CountByStatus tallies entries per status.
func (r *Report) CountByStatus() map[Status]int {
	counts := map[Status]int{
		StatusOpen:       0,
		StatusClosed:     0,
		StatusFiltered:   0,
		StatusError:      0,
		StatusIncomplete: 0,
	}
	for i := range r.Entries {
		counts[r.Entries[i].Probe.Status]++
	}
	return counts
}
