package scep

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"
)

// CSRReqMessage is the decoded payload of a PKCSReq/RenewalReq message.
type CSRReqMessage struct {
	RawDecrypted      []byte
	CSR               *x509.CertificateRequest
	ChallengePassword string
}

// CertRepMessage is the decoded payload of a CertRep message, populated
// when PKIStatus is SUCCESS.
type CertRepMessage struct {
	Certificates []*x509.Certificate
	degenerate   []byte
}

// PKIMessage is the decoded form of a SCEP pkiMessage, either a client
// request or a server CertRep reply.
type PKIMessage struct {
	// Raw is the full outer SignedData DER, as received or produced.
	Raw []byte

	MessageType    MessageType
	TransactionID  TransactionID
	SenderNonce    SenderNonce
	RecipientNonce RecipientNonce
	PKIStatus      PKIStatus
	FailInfo       FailInfo

	// SignerCert is the certificate that signed the outer SignedData:
	// the request's signer for a request, the server's signing cert for
	// a reply.
	SignerCert *x509.Certificate

	// p7 is the parsed outer SignedData; retained so DecryptPKIEnvelope
	// can reach the certificate set and encapsulated content.
	p7 *pkcs7.PKCS7

	// pkiEnvelope is the decrypted inner content, populated by
	// DecryptPKIEnvelope.
	pkiEnvelope []byte

	*CSRReqMessage
	*CertRepMessage
	GetCertMessage        *IssuerAndSerialNumber
	GetCRLMessage         *IssuerAndSerialNumber
	GetCertInitialMessage *IssuerAndSubject
}

// ParsePKIMessage parses and verifies the outer SignedData of a SCEP
// message and reads its required signed attributes. It does not decrypt
// or parse the inner content — call DecryptPKIEnvelope for that, once
// the caller's recipient key is available.
func ParsePKIMessage(data []byte, opts ...ParseOption) (*PKIMessage, error) {
	cfg := newParseConfig(opts...)

	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, &MessageDecodingError{Err: fmt.Errorf("parsing signedData: %w", err)}
	}
	if len(p7.Certificates) == 0 {
		return nil, &MessageDecodingError{Err: fmt.Errorf("signedData carries no signer certificate")}
	}
	// Open question (spec.md §9): when a signedData carries more than
	// one certificate, the first one in iteration order is treated as
	// the signer.
	signer := p7.Certificates[0]

	if cfg.checkSigningTime {
		if err := p7.Verify(); err != nil {
			return nil, &MessageDecodingError{Err: fmt.Errorf("verifying signature: %w", err)}
		}
		if err := checkSigningTime(p7, signer); err != nil {
			return nil, &MessageDecodingError{Err: err}
		}
	} else {
		// WithSkipSigningTimeCheck binds the verifier to the signer's raw
		// public key only: widen the certificate's validity window to
		// [0001-01-01, 9999-12-31] before handing it to Verify, so the
		// signature check can never fail on signingTime or on the cert's
		// own NotBefore/NotAfter.
		if err := verifyIgnoringValidityWindow(p7, signer); err != nil {
			return nil, &MessageDecodingError{Err: fmt.Errorf("verifying signature: %w", err)}
		}
	}

	var msgType string
	if err := p7.UnmarshalSignedAttribute(oidSCEPmessageType, &msgType); err != nil {
		return nil, &MessageDecodingError{Err: fmt.Errorf("missing messageType: %w", err)}
	}
	var transID string
	if err := p7.UnmarshalSignedAttribute(oidSCEPtransactionID, &transID); err != nil {
		return nil, &MessageDecodingError{Err: fmt.Errorf("missing transactionID: %w", err)}
	}

	msg := &PKIMessage{
		Raw:           data,
		p7:            p7,
		SignerCert:    signer,
		MessageType:   MessageType(msgType),
		TransactionID: TransactionID(transID),
	}

	var senderNonce []byte
	if err := p7.UnmarshalSignedAttribute(oidSCEPsenderNonce, &senderNonce); err == nil {
		msg.SenderNonce = SenderNonce(senderNonce)
	}
	// A missing senderNonce is tolerated per spec.md §4.3 step 4.

	if msg.MessageType == CertRep {
		var pkiStatus string
		if err := p7.UnmarshalSignedAttribute(oidSCEPpkiStatus, &pkiStatus); err != nil {
			return nil, &MessageDecodingError{Err: fmt.Errorf("missing pkiStatus on CertRep: %w", err)}
		}
		msg.PKIStatus = PKIStatus(pkiStatus)

		var recipientNonce []byte
		if err := p7.UnmarshalSignedAttribute(oidSCEPrecipientNonce, &recipientNonce); err != nil {
			return nil, &MessageDecodingError{Err: fmt.Errorf("missing recipientNonce on CertRep: %w", err)}
		}
		msg.RecipientNonce = RecipientNonce(recipientNonce)

		if msg.PKIStatus == FAILURE {
			var failInfo string
			if err := p7.UnmarshalSignedAttribute(oidSCEPfailInfo, &failInfo); err != nil {
				return nil, &MessageDecodingError{Err: fmt.Errorf("missing failInfo on FAILURE CertRep: %w", err)}
			}
			msg.FailInfo = FailInfo(failInfo)
		}
	}

	cfg.logger.Log("msg", "parsed pkiMessage", "messageType", msg.MessageType, "transactionID", msg.TransactionID)
	return msg, nil
}

// verifyIgnoringValidityWindow verifies p7's signature with signer's
// validity window stretched wide open, so Verify has no basis to reject
// the message on signingTime or certificate expiry. It substitutes a
// widened copy of signer into p7.Certificates for the duration of the
// call and restores the original slice before returning.
func verifyIgnoringValidityWindow(p7 *pkcs7.PKCS7, signer *x509.Certificate) error {
	widened := *signer
	widened.NotBefore = time.Time{}
	widened.NotAfter = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

	original := p7.Certificates
	certs := make([]*x509.Certificate, len(original))
	copy(certs, original)
	for i, c := range certs {
		if c == signer {
			certs[i] = &widened
		}
	}

	p7.Certificates = certs
	defer func() { p7.Certificates = original }()

	return p7.Verify()
}

// checkSigningTime cross-checks the CMS signingTime authenticated
// attribute, when present, against the signer certificate's validity
// window.
func checkSigningTime(p7 *pkcs7.PKCS7, signer *x509.Certificate) error {
	var signingTime time.Time
	if err := p7.UnmarshalSignedAttribute(oidSigningTime, &signingTime); err != nil {
		// No signingTime attribute: nothing to check.
		return nil
	}
	if signingTime.Before(signer.NotBefore) || signingTime.After(signer.NotAfter) {
		return fmt.Errorf("signingTime %s outside signer certificate validity [%s, %s]",
			signingTime, signer.NotBefore, signer.NotAfter)
	}
	return nil
}

// DecryptPKIEnvelope decrypts the inner EnvelopedData content with
// recipientKey and parses it according to msg.MessageType. For a
// PENDING or FAILURE CertRep there is no inner content, and this is a
// no-op.
func (msg *PKIMessage) DecryptPKIEnvelope(recipientCert *x509.Certificate, recipientKey crypto.PrivateKey) error {
	switch msg.MessageType {
	case CertRep:
		if msg.PKIStatus != SUCCESS {
			return nil
		}
	}

	if len(msg.p7.Content) == 0 {
		return &MessageDecodingError{Err: fmt.Errorf("no encapsulated content to decrypt")}
	}

	content, err := DecryptEnvelope(recipientCert, recipientKey, msg.p7.Content)
	if err != nil {
		return err
	}
	msg.pkiEnvelope = content

	switch msg.MessageType {
	case PKCSReq, RenewalReq, UpdateReq:
		csr, err := x509.ParseCertificateRequest(content)
		if err != nil {
			return &MessageDecodingError{Err: fmt.Errorf("parsing CSR: %w", err)}
		}
		challenge, err := ParseChallengePassword(content)
		if err != nil {
			return &MessageDecodingError{Err: fmt.Errorf("parsing challengePassword: %w", err)}
		}
		msg.CSRReqMessage = &CSRReqMessage{
			RawDecrypted:      content,
			CSR:               csr,
			ChallengePassword: challenge,
		}
	case GetCert, GetCRL:
		var ias IssuerAndSerialNumber
		if _, err := asn1.Unmarshal(content, &ias); err != nil {
			return &MessageDecodingError{Err: fmt.Errorf("parsing IssuerAndSerialNumber: %w", err)}
		}
		if msg.MessageType == GetCert {
			msg.GetCertMessage = &ias
		} else {
			msg.GetCRLMessage = &ias
		}
	case CertPoll: // GetCertInitial
		var ias IssuerAndSubject
		if _, err := asn1.Unmarshal(content, &ias); err != nil {
			return &MessageDecodingError{Err: fmt.Errorf("parsing IssuerAndSubject: %w", err)}
		}
		msg.GetCertInitialMessage = &ias
	case CertRep:
		certs, err := CACerts(content)
		if err != nil {
			return &MessageDecodingError{Err: fmt.Errorf("parsing inner signedData: %w", err)}
		}
		msg.CertRepMessage = &CertRepMessage{Certificates: certs, degenerate: content}
	default:
		return &MessageDecodingError{Err: fmt.Errorf("unsupported messageType %q", msg.MessageType)}
	}
	return nil
}

// SignerCertificates returns the certificate set carried by the outer
// SignedData, in case a caller needs more than the selected signer.
func (msg *PKIMessage) SignerCertificates() []*x509.Certificate {
	if msg.p7 == nil {
		return nil
	}
	return msg.p7.Certificates
}
