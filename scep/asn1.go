package scep

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
)

// IssuerAndSerialNumber identifies a certificate, per RFC 5652 §10.2.4:
//
//	IssuerAndSerialNumber ::= SEQUENCE {
//	    issuer         Name,
//	    serialNumber   CertificateSerialNumber }
//
// Name is carried as a raw DER value so it round-trips byte-for-byte
// against the issuer field of the certificate it names.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Matches reports whether cert is the certificate identified by ias.
func (ias IssuerAndSerialNumber) Matches(cert *x509.Certificate) bool {
	if ias.SerialNumber == nil || cert.SerialNumber == nil {
		return false
	}
	return ias.SerialNumber.Cmp(cert.SerialNumber) == 0 && bytes.Equal(ias.Issuer.FullBytes, cert.RawIssuer)
}

// NewIssuerAndSerialNumber builds the identifier for cert.
func NewIssuerAndSerialNumber(cert *x509.Certificate) IssuerAndSerialNumber {
	return IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
		SerialNumber: cert.SerialNumber,
	}
}

// IssuerAndSubject identifies a pending enrolment by the Name of the CA
// that would issue it and the Name the CSR requested.
//
//	IssuerAndSubject ::= SEQUENCE {
//	    issuer   Name,
//	    subject  Name }
type IssuerAndSubject struct {
	Issuer  asn1.RawValue
	Subject asn1.RawValue
}

// NewIssuerAndSubject builds the identifier from a CA certificate and a
// pending CSR.
func NewIssuerAndSubject(ca *x509.Certificate, csr *x509.CertificateRequest) IssuerAndSubject {
	return IssuerAndSubject{
		Issuer:  asn1.RawValue{FullBytes: ca.RawSubject},
		Subject: asn1.RawValue{FullBytes: csr.RawSubject},
	}
}

// The following mirrors the shape of crypto/x509's internal
// certificateRequest type: x509.ParseCertificateRequest discards the raw
// attribute values once it has pulled out extensions, so SCEP's
// challengePassword needs its own minimal decode pass over the same
// ASN.1 structure (PKCS#10, RFC 2986 §4.1).
type tbsCertificateRequest struct {
	Raw           asn1.RawContent
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

type certificateRequest struct {
	Raw                asn1.RawContent
	TBSCSR             tbsCertificateRequest
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

type csrAttribute struct {
	ID     asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// ParseChallengePassword extracts the PKCS#9 challengePassword attribute
// from a raw, DER-encoded CertificationRequest. Returns "" when the CSR
// carries no such attribute.
func ParseChallengePassword(rawCSR []byte) (string, error) {
	var req certificateRequest
	if _, err := asn1.Unmarshal(rawCSR, &req); err != nil {
		return "", err
	}
	for _, rawAttr := range req.TBSCSR.RawAttributes {
		var attr csrAttribute
		if _, err := asn1.Unmarshal(rawAttr.FullBytes, &attr); err != nil {
			continue
		}
		if !attr.ID.Equal(oidChallengePassword) || len(attr.Values) == 0 {
			continue
		}
		var password string
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &password); err != nil {
			return "", err
		}
		return password, nil
	}
	return "", nil
}
