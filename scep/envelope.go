package scep

import (
	"crypto"
	"crypto/x509"
	"sync"

	"go.mozilla.org/pkcs7"
)

// ContentEncryptionAlgorithm selects the symmetric cipher used to
// encrypt the inner pkiMessage content for its recipient.
type ContentEncryptionAlgorithm int

// Algorithms required by draft-nourse-scep. DES3 is the default; DES is
// legacy and kept only for interop with old clients.
const (
	EncryptionAlgorithmDESCBC ContentEncryptionAlgorithm = iota
	EncryptionAlgorithmDESEDE3CBC
	EncryptionAlgorithmAES128CBC
)

func (a ContentEncryptionAlgorithm) pkcs7Algorithm() int {
	switch a {
	case EncryptionAlgorithmDESEDE3CBC:
		return pkcs7.EncryptionAlgorithmDESEDE3CBC
	case EncryptionAlgorithmAES128CBC:
		return pkcs7.EncryptionAlgorithmAES128CBC
	default:
		return pkcs7.EncryptionAlgorithmDESCBC
	}
}

// encryptMu serialises EncryptEnvelope's use of the package-level
// pkcs7.ContentEncryptionAlgorithm setting.
var encryptMu sync.Mutex

// EncryptEnvelope wraps content as a CMS EnvelopedData DER octet string
// for a single key-transport recipient, identified by recipient's
// IssuerAndSerialNumber.
//
// go.mozilla.org/pkcs7 selects the content-encryption cipher through the
// package-level pkcs7.ContentEncryptionAlgorithm variable rather than a
// per-call argument; EncryptEnvelope holds encryptMu while it sets that
// variable and encrypts, so concurrent calls (the HTTP server handles
// requests concurrently) each use their own algorithm.
func EncryptEnvelope(recipient *x509.Certificate, content []byte, algorithm ContentEncryptionAlgorithm) ([]byte, error) {
	encryptMu.Lock()
	defer encryptMu.Unlock()

	prev := pkcs7.ContentEncryptionAlgorithm
	pkcs7.ContentEncryptionAlgorithm = algorithm.pkcs7Algorithm()
	defer func() { pkcs7.ContentEncryptionAlgorithm = prev }()

	return pkcs7.Encrypt(content, []*x509.Certificate{recipient})
}

// DecryptEnvelope parses envelopedData and decrypts its content for
// recipientCert/recipientKey. It returns a MessageDecodingError if no
// recipientInfo matches the supplied key.
func DecryptEnvelope(recipientCert *x509.Certificate, recipientKey crypto.PrivateKey, envelopedData []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(envelopedData)
	if err != nil {
		return nil, &MessageDecodingError{Err: err}
	}
	content, err := p7.Decrypt(recipientCert, recipientKey)
	if err != nil {
		return nil, &MessageDecodingError{Err: err}
	}
	return content, nil
}
