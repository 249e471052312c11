// Package depot defines the CA backend contract that the SCEP core
// dispatches to. Certificate issuance policy, key material and CRL
// maintenance all live behind this interface; server.Service never
// touches a private key or a certificate store directly.
package depot

import (
	"crypto"
	"crypto/x509"

	"github.com/scepcore/scepd/scep"
)

// Depot is the CA backend. Implementations may return a
// *scep.OperationFailure to refuse a PKIOperation with a specific
// failInfo; any other error surfaces to the caller as an opaque 500.
type Depot interface {
	// Capabilities returns the GetCACaps token set advertised for
	// identifier, which may be empty.
	Capabilities(identifier string) []scep.Capability

	// CACertificates returns the CA certificate, or CA+RA chain, for
	// identifier. A nil/empty result means no CA is configured for it.
	CACertificates(identifier string) ([]*x509.Certificate, error)

	// NextCACertificates returns the replacement CA certificate or chain
	// for identifier. A nil/empty result disables GetNextCACert.
	NextCACertificates(identifier string) ([]*x509.Certificate, error)

	// Certificate looks up a previously issued certificate by issuer and
	// serial number. An empty result means unknown (GetCert).
	Certificate(ias scep.IssuerAndSerialNumber) ([]*x509.Certificate, error)

	// CertificateInitial polls a pending enrolment keyed by transID. An
	// empty result means still pending (GetCertInitial).
	CertificateInitial(ias scep.IssuerAndSubject, transID scep.TransactionID) ([]*x509.Certificate, error)

	// CRL returns the DER CertificateList covering the CA identified by
	// ias.Issuer, or nil if the backend has none.
	CRL(ias scep.IssuerAndSerialNumber) ([]byte, error)

	// Enrol issues (or queues) a certificate for csr, submitted and
	// signed by signerCert. An empty result means accepted-pending.
	Enrol(csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error)

	// Renew re-issues a certificate for an existing principal.
	// server.Service refuses a RenewalReq with badRequest before calling
	// Renew unless Capabilities includes Renewal; the bundled depots
	// re-issue the same way Enrol does.
	Renew(csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error)

	// RecipientIdentity returns the certificate/key pair used to decrypt
	// incoming pkiMessage envelopes.
	RecipientIdentity() (*x509.Certificate, crypto.PrivateKey, error)

	// SignerIdentity returns the key material used to sign outgoing
	// CertRep SignedData.
	SignerIdentity() (*scep.Signer, error)
}
