package scep

import (
	"bytes"
	"crypto/x509"
	"testing"
)

func testRequestMessage(t *testing.T) *PKIMessage {
	t.Helper()
	ca, _ := testCA()
	client, clientKey := testSelfSignedClient("Example")
	rawCSR := testCSR(clientKey, "Example", "password")
	nonce := []byte("abcdefghijklmnop")
	raw := buildClientRequest(t, PKCSReq, "txn-reply", nonce, ca, client, clientKey, rawCSR)
	msg, err := ParsePKIMessage(raw)
	if err != nil {
		t.Fatalf("ParsePKIMessage: %v", err)
	}
	return msg
}

func TestCreateCertRepSuccessEchoesNonceAndTransactionID(t *testing.T) {
	req := testRequestMessage(t)
	signerCert, signerKey := testCA()
	signer := &Signer{Cert: signerCert, Key: signerKey}

	issued, _ := testSelfSignedClient("Issued")
	inner, err := DegenerateCertificates([]*x509.Certificate{issued})
	if err != nil {
		t.Fatalf("DegenerateCertificates: %v", err)
	}
	reply, err := CreateCertRepSuccess(req, req.SignerCert, signer, inner)
	if err != nil {
		t.Fatalf("CreateCertRepSuccess: %v", err)
	}

	if reply.TransactionID != req.TransactionID {
		t.Errorf("got transactionID %q, want echo of %q", reply.TransactionID, req.TransactionID)
	}
	if !bytes.Equal(reply.RecipientNonce, req.SenderNonce) {
		t.Errorf("got recipientNonce %x, want echo of senderNonce %x", reply.RecipientNonce, req.SenderNonce)
	}
	if len(reply.SenderNonce) != nonceSize {
		t.Errorf("got fresh senderNonce length %d, want %d", len(reply.SenderNonce), nonceSize)
	}
	if bytes.Equal(reply.SenderNonce, req.SenderNonce) {
		t.Error("reply senderNonce must not reuse the request's senderNonce")
	}
	if reply.PKIStatus != SUCCESS {
		t.Errorf("got pkiStatus %q, want SUCCESS", reply.PKIStatus)
	}

	// The encoded reply must itself decode back to the same attributes.
	redecoded, err := ParsePKIMessage(reply.Raw)
	if err != nil {
		t.Fatalf("re-parsing reply: %v", err)
	}
	if redecoded.TransactionID != req.TransactionID {
		t.Errorf("redecoded transactionID mismatch: got %q", redecoded.TransactionID)
	}
	if redecoded.PKIStatus != SUCCESS {
		t.Errorf("redecoded pkiStatus mismatch: got %q", redecoded.PKIStatus)
	}
}

func TestCreateCertRepPendingHasNoContent(t *testing.T) {
	req := testRequestMessage(t)
	signerCert, signerKey := testCA()
	signer := &Signer{Cert: signerCert, Key: signerKey}

	reply, err := CreateCertRepPending(req, signer)
	if err != nil {
		t.Fatalf("CreateCertRepPending: %v", err)
	}
	if reply.PKIStatus != PENDING {
		t.Errorf("got pkiStatus %q, want PENDING", reply.PKIStatus)
	}

	redecoded, err := ParsePKIMessage(reply.Raw)
	if err != nil {
		t.Fatalf("re-parsing reply: %v", err)
	}
	if redecoded.PKIStatus != PENDING {
		t.Errorf("redecoded pkiStatus mismatch: got %q", redecoded.PKIStatus)
	}
	if err := redecoded.DecryptPKIEnvelope(nil, nil); err != nil {
		t.Errorf("decrypting a PENDING reply's (absent) envelope should be a no-op, got %v", err)
	}
}

func TestCreateCertRepFailureCarriesFailInfo(t *testing.T) {
	req := testRequestMessage(t)
	signerCert, signerKey := testCA()
	signer := &Signer{Cert: signerCert, Key: signerKey}

	reply, err := CreateCertRepFailure(req, signer, BadCertID)
	if err != nil {
		t.Fatalf("CreateCertRepFailure: %v", err)
	}
	if reply.PKIStatus != FAILURE {
		t.Errorf("got pkiStatus %q, want FAILURE", reply.PKIStatus)
	}

	redecoded, err := ParsePKIMessage(reply.Raw)
	if err != nil {
		t.Fatalf("re-parsing reply: %v", err)
	}
	if redecoded.FailInfo != BadCertID {
		t.Errorf("got failInfo %q, want %q", redecoded.FailInfo, BadCertID)
	}
}
