package scep

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"
)

var (
	oidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

// rawContentInfo mirrors RFC 5652 §5.1 ContentInfo with an un-decoded
// eContent, for building degenerate SignedData by hand.
type rawContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// rawSignedDataCRL mirrors RFC 5652 §5.1 SignedData with no digest
// algorithms, no certificates and no signerInfos, carrying only the
// crls field — go.mozilla.org/pkcs7 exposes DegenerateCertificate but no
// CRL equivalent, so GetCrl replies build this shape directly.
type rawSignedDataCRL struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	ContentInfo      rawContentInfo
	CRLs             []asn1.RawValue `asn1:"optional,set,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// DegenerateCertificates builds a "certificates-only" SignedData — no
// signer, no encapsulated content — whose sole purpose is to carry certs
// on the wire. Used for GetCACert with more than one certificate and for
// a CertRep SUCCESS payload's inner content, both of which are already
// authenticated by the outer exchange (the CertRep's own signature, or
// the client's prior trust in the CA it is fetching).
func DegenerateCertificates(certs []*x509.Certificate) ([]byte, error) {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	return pkcs7.DegenerateCertificate(buf.Bytes())
}

// SignCertificates builds a signer-signed SignedData carrying certs with
// no encapsulated content, for GetNextCACert replies. Unlike
// DegenerateCertificates' signer-absent form, a next-CA advertisement has
// no prior trust relationship to lean on, so it must carry its own
// signature over the (absent) content for the client to authenticate the
// rollover before trusting the new chain.
func SignCertificates(certs []*x509.Certificate, signer *Signer) ([]byte, error) {
	if signer == nil || signer.Cert == nil || signer.Key == nil {
		return nil, fmt.Errorf("scep: SignCertificates requires a signer identity")
	}

	sd, err := pkcs7.NewSignedData(nil)
	if err != nil {
		return nil, fmt.Errorf("building next-CA signedData: %w", err)
	}
	for _, c := range certs {
		sd.AddCertificate(c)
	}
	for _, c := range signer.Chain {
		sd.AddCertificate(c)
	}
	sd.AddCertificate(signer.Cert)

	if err := sd.AddSigner(signer.Cert, signer.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("signing next-CA signedData: %w", err)
	}
	return sd.Finish()
}

// CACerts parses a degenerate SignedData (or a bare DER certificate) and
// returns the certificate set it carries.
func CACerts(data []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		// Fall back to a bare single certificate, matching the
		// single-cert GetCACert shortcut.
		cert, certErr := x509.ParseCertificate(data)
		if certErr != nil {
			return nil, err
		}
		return []*x509.Certificate{cert}, nil
	}
	return p7.Certificates, nil
}

// DegenerateCRL builds a certificates-absent, signer-absent SignedData
// carrying a single DER-encoded CertificateList, for GetCrl replies. A
// nil/empty crlDER (the backend has no CRL) produces an empty CRL set
// rather than a single malformed entry.
func DegenerateCRL(crlDER []byte) ([]byte, error) {
	var crls []asn1.RawValue
	if len(crlDER) > 0 {
		crls = []asn1.RawValue{{FullBytes: crlDER}}
	}
	inner := rawSignedDataCRL{
		Version:     1,
		ContentInfo: rawContentInfo{ContentType: oidData},
		CRLs:        crls,
	}
	innerDER, err := asn1.Marshal(inner)
	if err != nil {
		return nil, err
	}
	outer := rawContentInfo{
		ContentType: oidSignedData,
		// [0] EXPLICIT wrapper around the inner SignedData SEQUENCE.
		// asn1.RawValue marshals from Class/Tag/IsCompound/Bytes, not
		// from struct field tags, when FullBytes is unset.
		Content: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: innerDER},
	}
	return asn1.Marshal(outer)
}
