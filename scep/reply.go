package scep

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// Signer is the server identity used to sign an outgoing CertRep: the
// key and certificate that sign the outer SignedData, plus any
// additional certificates (e.g. an intermediate chain) included in its
// certificate set alongside Cert.
type Signer struct {
	Cert  *x509.Certificate
	Key   crypto.PrivateKey
	Chain []*x509.Certificate
}

type replyConfig struct {
	nonceGenerator NonceGenerator
	algorithm      ContentEncryptionAlgorithm
}

// ReplyOption configures CreateCertRepSuccess/Pending/Failure.
type ReplyOption func(*replyConfig)

// WithReplyNonceGenerator overrides the source of the reply's fresh
// senderNonce. Defaults to a crypto/rand-backed generator.
func WithReplyNonceGenerator(n NonceGenerator) ReplyOption {
	return func(c *replyConfig) {
		if n != nil {
			c.nonceGenerator = n
		}
	}
}

// WithReplyAlgorithm selects the content-encryption algorithm used to
// envelope a SUCCESS reply's inner content. Defaults to DES-EDE3-CBC.
func WithReplyAlgorithm(a ContentEncryptionAlgorithm) ReplyOption {
	return func(c *replyConfig) {
		c.algorithm = a
	}
}

func newReplyConfig(opts ...ReplyOption) *replyConfig {
	c := &replyConfig{
		nonceGenerator: NewNonceGenerator(nil),
		algorithm:      EncryptionAlgorithmDESEDE3CBC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCertRepSuccess builds a CertRep SUCCESS reply to req. inner is
// the degenerate SignedData carrying the issued certificate chain or CRL
// (built via DegenerateCertificates/DegenerateCRL); it is enveloped for
// recipient (the request's signer certificate) before being wrapped in
// the outer, server-signed SignedData.
func CreateCertRepSuccess(req *PKIMessage, recipient *x509.Certificate, signer *Signer, inner []byte, opts ...ReplyOption) (*PKIMessage, error) {
	if recipient == nil {
		return nil, fmt.Errorf("scep: CreateCertRepSuccess requires a recipient certificate")
	}
	return createCertRep(req, SUCCESS, "", recipient, signer, inner, opts...)
}

// CreateCertRepPending builds a CertRep PENDING reply to req. A pending
// reply carries no encapsulated content.
func CreateCertRepPending(req *PKIMessage, signer *Signer, opts ...ReplyOption) (*PKIMessage, error) {
	return createCertRep(req, PENDING, "", nil, signer, nil, opts...)
}

// CreateCertRepFailure builds a CertRep FAILURE reply to req carrying
// info. A failure reply carries no encapsulated content.
func CreateCertRepFailure(req *PKIMessage, signer *Signer, info FailInfo, opts ...ReplyOption) (*PKIMessage, error) {
	return createCertRep(req, FAILURE, info, nil, signer, nil, opts...)
}

func createCertRep(req *PKIMessage, status PKIStatus, failInfo FailInfo, recipient *x509.Certificate, signer *Signer, inner []byte, opts ...ReplyOption) (*PKIMessage, error) {
	if signer == nil || signer.Cert == nil || signer.Key == nil {
		return nil, fmt.Errorf("scep: createCertRep requires a signer identity")
	}
	cfg := newReplyConfig(opts...)

	var encapsulated []byte
	if status == SUCCESS {
		enveloped, err := EncryptEnvelope(recipient, inner, cfg.algorithm)
		if err != nil {
			return nil, fmt.Errorf("enveloping certRep content: %w", err)
		}
		encapsulated = enveloped
	}

	sd, err := pkcs7.NewSignedData(encapsulated)
	if err != nil {
		return nil, fmt.Errorf("building certRep signedData: %w", err)
	}

	senderNonce, err := cfg.nonceGenerator.Nonce()
	if err != nil {
		return nil, fmt.Errorf("generating reply nonce: %w", err)
	}

	attrs := []pkcs7.Attribute{
		{Type: oidSCEPmessageType, Value: string(CertRep)},
		{Type: oidSCEPtransactionID, Value: string(req.TransactionID)},
		{Type: oidSCEPpkiStatus, Value: string(status)},
		{Type: oidSCEPsenderNonce, Value: []byte(senderNonce)},
		{Type: oidSCEPrecipientNonce, Value: []byte(req.SenderNonce)},
	}
	if status == FAILURE {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPfailInfo, Value: string(failInfo)})
	}

	for _, c := range signer.Chain {
		sd.AddCertificate(c)
	}
	sd.AddCertificate(signer.Cert)

	if err := sd.AddSigner(signer.Cert, signer.Key, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}); err != nil {
		return nil, fmt.Errorf("signing certRep: %w", err)
	}

	raw, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finishing certRep signedData: %w", err)
	}

	reply := &PKIMessage{
		Raw:            raw,
		MessageType:    CertRep,
		TransactionID:  req.TransactionID,
		SenderNonce:    senderNonce,
		RecipientNonce: RecipientNonce(req.SenderNonce),
		PKIStatus:      status,
		FailInfo:       failInfo,
		SignerCert:     signer.Cert,
	}
	if status == SUCCESS {
		reply.CertRepMessage = &CertRepMessage{degenerate: inner}
	}
	return reply, nil
}
