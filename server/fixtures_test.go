package scepserver

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/scepcore/scepd/scep"
)

// SCEP signed-attribute OIDs, per spec.md §4.3. Duplicated here rather
// than imported because the codec package keeps them unexported; a test
// client has no business reaching into the server's internals to build
// its wire messages, any more than a real SCEP client would.
var (
	oidSCEPmessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidSCEPsenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidSCEPtransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
	oidChallengePassword  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}
)

func generateCA(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test SCEP CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:               time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func generateClientIdentity(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
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
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

type csrAttribute struct {
	ID     asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// buildCSR issues a PKCS#10 CertificationRequest for cn, optionally
// carrying a challengePassword attribute, via the stdlib CSR path plus a
// single hand-marshalled attribute spliced into the raw template — the
// stdlib x509.CreateCertificateRequest has no hook for PKCS#9 attributes.
func buildCSR(t *testing.T, key *rsa.PrivateKey, cn string, challenge string) []byte {
	t.Helper()
	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}
	if challenge == "" {
		der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
		if err != nil {
			t.Fatal(err)
		}
		return der
	}

	// Build the plain CSR first so we can borrow its TBS fields, then
	// re-sign with the challengePassword attribute spliced in.
	plain, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificateRequest(plain)
	if err != nil {
		t.Fatal(err)
	}

	challengeDER, err := asn1.Marshal(challenge)
	if err != nil {
		t.Fatal(err)
	}
	attr := csrAttribute{ID: oidChallengePassword, Values: []asn1.RawValue{{FullBytes: challengeDER}}}
	attrDER, err := asn1.Marshal(attr)
	if err != nil {
		t.Fatal(err)
	}

	type tbsCertificateRequest struct {
		Version       int
		Subject       asn1.RawValue
		PublicKey     asn1.RawValue
		RawAttributes []asn1.RawValue `asn1:"tag:0"`
	}
	type certificateRequest struct {
		TBSCSR             tbsCertificateRequest
		SignatureAlgorithm pkix.AlgorithmIdentifier
		SignatureValue     asn1.BitString
	}

	// Re-derive subject/public-key raw bytes straight from the CSR we
	// just parsed, so they match what the stdlib would have encoded.
	tbs := tbsCertificateRequest{
		Subject:       asn1.RawValue{FullBytes: mustMarshal(t, parsed.Subject.ToRDNSequence())},
		PublicKey:     rawPublicKeyInfo(t, &key.PublicKey),
		RawAttributes: []asn1.RawValue{{FullBytes: attrDER}},
	}
	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(tbsDER)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	req := certificateRequest{
		TBSCSR:             tbs,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}},
		SignatureValue:     asn1.BitString{Bytes: sig, BitLength: len(sig) * 8},
	}
	reqDER, err := asn1.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := x509.ParseCertificateRequest(reqDER); err != nil {
		t.Fatalf("hand-built CSR did not round-trip: %v", err)
	}
	return reqDER
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func rawPublicKeyInfo(t *testing.T, pub *rsa.PublicKey) asn1.RawValue {
	t.Helper()
	pkDER, err := asn1.Marshal(struct {
		N *big.Int
		E int
	}{N: pub.N, E: pub.E})
	if err != nil {
		t.Fatal(err)
	}
	type spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	out, err := asn1.Marshal(spki{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}},
		PublicKey: asn1.BitString{Bytes: pkDER, BitLength: len(pkDER) * 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	return asn1.RawValue{FullBytes: out}
}

// buildPKIOperation signs and envelopes content as a client would,
// producing the raw bytes a PKIOperation HTTP body carries.
func buildPKIOperation(t *testing.T, msgType scep.MessageType, transID string, recipient, signerCert *x509.Certificate, signerKey crypto.PrivateKey, content []byte) []byte {
	t.Helper()
	enveloped, err := scep.EncryptEnvelope(recipient, content, scep.EncryptionAlgorithmDESEDE3CBC)
	if err != nil {
		t.Fatal(err)
	}
	sd, err := pkcs7.NewSignedData(enveloped)
	if err != nil {
		t.Fatal(err)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatal(err)
	}
	attrs := []pkcs7.Attribute{
		{Type: oidSCEPmessageType, Value: string(msgType)},
		{Type: oidSCEPtransactionID, Value: transID},
		{Type: oidSCEPsenderNonce, Value: nonce},
	}
	sd.AddCertificate(signerCert)
	if err := sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}); err != nil {
		t.Fatal(err)
	}
	raw, err := sd.Finish()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
