package scepserver

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/kit/log"
	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/scepcore/scepd/depot/boltdepot"
	"github.com/scepcore/scepd/scep"
)

type testHandler struct {
	handler http.Handler
	ca      *x509.Certificate
	ra      *x509.Certificate
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()
	dir := t.TempDir()
	ca, caKey := generateCA(t)
	raCert, raKey := generateClientIdentity(t, "SCEP RA")
	d, err := boltdepot.NewBoltDepot(filepath.Join(dir, "scep.db"), ca, caKey, raCert, raKey)
	if err != nil {
		t.Fatalf("NewBoltDepot: %v", err)
	}
	svc, err := NewService(d)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	endpoints := MakeServerEndpoints(svc, stdopentracing.NoopTracer{})
	handler := MakeHTTPHandler(endpoints, svc, log.NewNopLogger(), stdopentracing.NoopTracer{})
	return &testHandler{handler: handler, ca: ca, ra: raCert}
}

func TestInvalidOperationQueryParameterIs400(t *testing.T) {
	h := newTestHandler(t).handler
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scep?operation=NotARealOperation", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestGetCACertOverPOSTIs405WithAllowHeader(t *testing.T) {
	h := newTestHandler(t).handler
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/scep?operation=GetCACert", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodGet {
		t.Errorf("got Allow %q, want %q", rec.Header().Get("Allow"), http.MethodGet)
	}
}

func TestGetCACapsRespondsTextPlain(t *testing.T) {
	h := newTestHandler(t).handler
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scep?operation=GetCACaps", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("got Content-Type %q, want text/plain", ct)
	}
}

func TestGetCACertRespondsWithX509CACertContentType(t *testing.T) {
	h := newTestHandler(t).handler
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scep?operation=GetCACert", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-x509-ca-cert" {
		t.Errorf("got Content-Type %q, want application/x-x509-ca-cert", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected a non-empty CA certificate body")
	}
}

func TestGetNextCACertUnconfiguredIs501(t *testing.T) {
	h := newTestHandler(t).handler
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scep?operation=GetNextCACert", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("got status %d, want 501", rec.Code)
	}
}

// TestPKIOperationOverGETToleratesSpaceEncodedBase64 exercises the
// base64-with-spaces-for-plus tolerance spec.md's decoder documents:
// some HTTP clients decode "+" to " " when urlencoding a base64 query
// value, so the decoder must undo that substitution before decoding.
func TestPKIOperationOverGETToleratesSpaceEncodedBase64(t *testing.T) {
	th := newTestHandler(t)

	client, clientKey := generateClientIdentity(t, "Requester")
	ias := scep.IssuerAndSerialNumber{Issuer: asn1.RawValue{FullBytes: th.ca.RawIssuer}, SerialNumber: big.NewInt(0)}
	iasDER, err := asn1.Marshal(ias)
	if err != nil {
		t.Fatal(err)
	}
	raw := buildPKIOperation(t, scep.GetCert, "txn-get", th.ra, client, clientKey, iasDER)

	encoded := base64.StdEncoding.EncodeToString(raw)
	// %20 in the query string reaches the decoder as a literal space.
	spaced := strings.ReplaceAll(encoded, "+", "%20")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/scep?operation=PKIOperation&message="+spaced, nil)
	th.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-pki-message" {
		t.Errorf("got Content-Type %q, want application/x-pki-message", ct)
	}
}

func TestPKIOperationOverPOSTReturns200(t *testing.T) {
	th := newTestHandler(t)

	client, clientKey := generateClientIdentity(t, "Requester")
	ias := scep.IssuerAndSerialNumber{Issuer: asn1.RawValue{FullBytes: th.ca.RawIssuer}, SerialNumber: big.NewInt(0)}
	iasDER, err := asn1.Marshal(ias)
	if err != nil {
		t.Fatal(err)
	}
	raw := buildPKIOperation(t, scep.GetCert, "txn-get-post", th.ra, client, clientKey, iasDER)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/scep?operation=PKIOperation", bytes.NewReader(raw))
	th.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpointReturns200(t *testing.T) {
	h := newTestHandler(t).handler
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}
