package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"
)

// testCA returns a self-signed CA certificate and its key, used as both
// the recipient and signer identity in package tests.
func testCA() (*x509.Certificate, *rsa.PrivateKey) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return cert, key
}

// testSelfSignedClient returns a self-signed certificate (mimicking the
// client's own throwaway signing identity used before it owns a CA-issued
// certificate) and its key.
func testSelfSignedClient(cn string) (*x509.Certificate, *rsa.PrivateKey) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return cert, key
}

// testExpiredSelfSignedClient is testSelfSignedClient with a validity
// window that already elapsed, for exercising WithSkipSigningTimeCheck.
func testExpiredSelfSignedClient(cn string) (*x509.Certificate, *rsa.PrivateKey) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-48 * time.Hour),
		NotAfter:     time.Now().Add(-24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return cert, key
}

// testCSR builds a raw, DER-encoded PKCS#10 CertificationRequest for cn,
// optionally carrying a challengePassword attribute, signed by key.
func testCSR(key *rsa.PrivateKey, cn string, challenge string) []byte {
	var rawAttrs []asn1.RawValue
	if challenge != "" {
		challengeDER, err := asn1.Marshal(challenge)
		if err != nil {
			panic(err)
		}
		attr := csrAttribute{
			ID:     oidChallengePassword,
			Values: []asn1.RawValue{{FullBytes: challengeDER}},
		}
		attrBytes, err := asn1.Marshal(attr)
		if err != nil {
			panic(err)
		}
		rawAttrs = append(rawAttrs, asn1.RawValue{FullBytes: attrBytes})
	}

	pub, err := asn1.Marshal(rsaPublicKeyASN1{N: key.PublicKey.N, E: key.PublicKey.E})
	if err != nil {
		panic(err)
	}
	subject, err := asn1.Marshal(pkix.Name{CommonName: cn}.ToRDNSequence())
	if err != nil {
		panic(err)
	}

	tbs := tbsCertificateRequest{
		Version:       0,
		Subject:       asn1.RawValue{FullBytes: subject},
		PublicKey:     asn1.RawValue{FullBytes: wrapSubjectPublicKeyInfo(pub)},
		RawAttributes: rawAttrs,
	}
	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		panic(err)
	}

	sum := sha256.Sum256(tbsDER)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		panic(err)
	}

	req := certificateRequest{
		TBSCSR:             tbs,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidSHA256WithRSA},
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	}
	reqDER, err := asn1.Marshal(req)
	if err != nil {
		panic(err)
	}
	// Round-trip through x509.ParseCertificateRequest to confirm the
	// hand-built DER is spec-shaped; a panic here means the test fixture
	// itself is malformed, not the code under test.
	if _, err := x509.ParseCertificateRequest(reqDER); err != nil {
		panic(err)
	}
	return reqDER
}

type rsaPublicKeyASN1 struct {
	N *big.Int
	E int
}

var oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

func wrapSubjectPublicKeyInfo(rsaPubDER []byte) []byte {
	type spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	out, err := asn1.Marshal(spki{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}},
		PublicKey: asn1.BitString{Bytes: rsaPubDER, BitLength: len(rsaPubDER) * 8},
	})
	if err != nil {
		panic(err)
	}
	return out
}
