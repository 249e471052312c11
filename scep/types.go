package scep

import "strings"

// MessageType is the SCEP messageType signed attribute, encoded on the
// wire as a PrintableString of its decimal value.
type MessageType string

// Message types defined by draft-nourse-scep.
const (
	CertRep        MessageType = "3"
	RenewalReq     MessageType = "17"
	UpdateReq      MessageType = "18"
	PKCSReq        MessageType = "19"
	CertPoll       MessageType = "20" // aka GetCertInitial
	GetCert        MessageType = "21"
	GetCRL         MessageType = "22"
	GetCertInitial             = CertPoll
)

// PKIStatus is the SCEP pkiStatus signed attribute.
type PKIStatus string

// Statuses defined by draft-nourse-scep.
const (
	SUCCESS PKIStatus = "0"
	FAILURE PKIStatus = "2"
	PENDING PKIStatus = "3"
)

// FailInfo is the SCEP failInfo signed attribute, only present when
// PKIStatus is FAILURE.
type FailInfo string

// Failure reasons defined by draft-nourse-scep.
const (
	BadAlg          FailInfo = "0"
	BadMessageCheck FailInfo = "1"
	BadRequest      FailInfo = "2"
	BadTime         FailInfo = "3"
	BadCertID       FailInfo = "4"
)

// TransactionID is the client-generated, server-echoed transaction
// identifier, encoded as a PrintableString.
type TransactionID string

// SenderNonce is a 16-byte random value generated by the message's
// sender and carried as a signed OctetString attribute.
type SenderNonce []byte

// RecipientNonce echoes the SenderNonce of the message being replied to.
type RecipientNonce []byte

// Operation is the value of the HTTP "operation" query parameter.
type Operation string

// Operations supported on the SCEP HTTP surface.
const (
	OpGetCACaps      Operation = "GetCACaps"
	OpGetCACert      Operation = "GetCACert"
	OpGetNextCACert  Operation = "GetNextCACert"
	OpPKIOperation   Operation = "PKIOperation"
)

// ParseOperation parses the "operation" query parameter case-insensitively.
// It reports ok=false for any value outside the known set.
func ParseOperation(s string) (op Operation, ok bool) {
	switch {
	case strings.EqualFold(s, string(OpGetCACaps)):
		return OpGetCACaps, true
	case strings.EqualFold(s, string(OpGetCACert)):
		return OpGetCACert, true
	case strings.EqualFold(s, string(OpGetNextCACert)):
		return OpGetNextCACert, true
	case strings.EqualFold(s, string(OpPKIOperation)):
		return OpPKIOperation, true
	default:
		return "", false
	}
}

// Capability is one advertised token in the closed GetCACaps vocabulary.
type Capability string

// Capabilities a server may advertise via GetCACaps.
const (
	CapGetNextCACert    Capability = "GetNextCACert"
	CapPOSTPKIOperation Capability = "POSTPKIOperation"
	CapRenewal          Capability = "Renewal"
	CapSHA1             Capability = "SHA-1"
	CapSHA256           Capability = "SHA-256"
	CapSHA512           Capability = "SHA-512"
	CapDES3             Capability = "DES3"
	CapAES              Capability = "AES"
	CapSCEPStandard     Capability = "SCEPStandard"
)

// FormatCapabilities renders capabilities as the newline-terminated,
// printable-ASCII body GetCACaps returns.
func FormatCapabilities(caps []Capability) []byte {
	var out []byte
	for _, c := range caps {
		out = append(out, []byte(c)...)
		out = append(out, '\n')
	}
	return out
}

// HasCapability reports whether caps contains c.
func HasCapability(caps []Capability, c Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
