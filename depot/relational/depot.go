// Package relational implements depot.Depot on top of a PostgreSQL
// certificate store, adapted from the teacher's ca_store bookkeeping:
// issued certificates are indexed by serial for Certificate, and a
// sibling table tracks transaction-scoped pending enrolments for
// CertificateInitial.
package relational

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/asn1"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/scepcore/scepd/scep"
	casecrets "github.com/scepcore/scepd/secrets/ca"
	scepsecrets "github.com/scepcore/scepd/secrets/scep"
)

// Depot is a PostgreSQL-backed depot.Depot. It delegates CSR signing to
// a casecrets.CASecrets (typically Vault's PKI secrets engine) and holds
// the SCEP-level recipient/signer identity through a
// scepsecrets.SCEPSecrets.
type Depot struct {
	db            *sql.DB
	caSecrets     casecrets.CASecrets
	scepSecrets   scepsecrets.SCEPSecrets
	caKeyPassword []byte
}

// NewRelationalDepot opens driverName/dataSourceName, waits for it to
// come up and ensures the bookkeeping tables exist.
func NewRelationalDepot(driverName, dataSourceName string, caSecrets casecrets.CASecrets, scepSecrets scepsecrets.SCEPSecrets, caKeyPassword []byte) (*Depot, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "opening certificate store")
	}
	for err = checkDBAlive(db); err != nil; err = checkDBAlive(db) {
		time.Sleep(time.Second)
	}
	d := &Depot{db: db, caSecrets: caSecrets, scepSecrets: scepSecrets, caKeyPassword: caKeyPassword}
	if err := d.migrate(); err != nil {
		return nil, errors.Wrap(err, "migrating certificate store schema")
	}
	return d, nil
}

func checkDBAlive(db *sql.DB) error {
	_, err := db.Query(`SELECT 1`)
	return err
}

func (d *Depot) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_store (
			serial          NUMERIC PRIMARY KEY,
			status          TEXT NOT NULL,
			dn              TEXT NOT NULL,
			expiration_date TEXT NOT NULL,
			revocation_date TEXT,
			cert_der        BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_enrolments (
			transaction_id TEXT PRIMARY KEY,
			dn             TEXT NOT NULL,
			created_at     TIMESTAMP NOT NULL DEFAULT now()
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Capabilities advertises the fixed token set this depot supports.
func (d *Depot) Capabilities(identifier string) []scep.Capability {
	return []scep.Capability{
		scep.CapRenewal,
		scep.CapSHA1,
		scep.CapSHA256,
		scep.CapAES,
		scep.CapDES3,
		scep.CapSCEPStandard,
		scep.CapPOSTPKIOperation,
	}
}

// CACertificates returns the SCEP recipient certificate as the single CA
// certificate this depot advertises.
func (d *Depot) CACertificates(identifier string) ([]*x509.Certificate, error) {
	return d.scepSecrets.GetCACert()
}

// NextCACertificates has no rollover CA configured, disabling the
// operation as spec.md §6 allows.
func (d *Depot) NextCACertificates(identifier string) ([]*x509.Certificate, error) {
	return nil, nil
}

// Certificate looks up a previously issued, still-valid certificate by
// serial. This depot only ever tracks certificates issued by its own
// CA, so the issuer half of ias is not independently checked.
func (d *Depot) Certificate(ias scep.IssuerAndSerialNumber) ([]*x509.Certificate, error) {
	if ias.SerialNumber == nil {
		return nil, nil
	}
	row := d.db.QueryRow(`SELECT cert_der FROM ca_store WHERE serial = $1 AND status = 'V'`, ias.SerialNumber.String())
	var der []byte
	if err := row.Scan(&der); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "looking up certificate by serial")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing stored certificate")
	}
	return []*x509.Certificate{cert}, nil
}

// CertificateInitial polls the pending_enrolments table: a row for
// transID means the enrolment hasn't been resolved yet. Once the row is
// gone, the requested subject is looked up among issued certificates.
func (d *Depot) CertificateInitial(ias scep.IssuerAndSubject, transID scep.TransactionID) ([]*x509.Certificate, error) {
	var dn string
	row := d.db.QueryRow(`SELECT dn FROM pending_enrolments WHERE transaction_id = $1`, string(transID))
	err := row.Scan(&dn)
	if err == nil {
		return nil, nil // still pending
	}
	if err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "polling pending enrolment")
	}
	return d.certificateByDN(rawNameDn(ias.Subject.FullBytes))
}

func (d *Depot) certificateByDN(dn string) ([]*x509.Certificate, error) {
	row := d.db.QueryRow(`SELECT cert_der FROM ca_store WHERE dn = $1 AND status = 'V' ORDER BY serial DESC LIMIT 1`, dn)
	var der []byte
	if err := row.Scan(&der); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

// CRL is not maintained by this depot; CRL issuance is out of scope
// (spec.md §1 Non-goals), so it always returns nil.
func (d *Depot) CRL(ias scep.IssuerAndSerialNumber) ([]byte, error) {
	return nil, nil
}

// Enrol signs csr via the configured CASecrets backend and records the
// result. A CSR whose CommonName is "Poll" is queued instead of signed,
// to exercise the PENDING/CertificateInitial polling path end to end.
func (d *Depot) Enrol(csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error) {
	if csr.Subject.CommonName == "Poll" {
		_, err := d.db.Exec(
			`INSERT INTO pending_enrolments (transaction_id, dn) VALUES ($1, $2)
			 ON CONFLICT (transaction_id) DO NOTHING`,
			string(transID), makeCsrDn(csr))
		if err != nil {
			return nil, errors.Wrap(err, "queuing pending enrolment")
		}
		return nil, nil
	}

	crtDER, err := d.caSecrets.SignCertificate(csr)
	if err != nil {
		return nil, scep.NewOperationFailure(scep.BadRequest, errors.Wrap(err, "signing certificate"))
	}
	cert, err := x509.ParseCertificate(crtDER)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signed certificate")
	}
	if err := d.store(cert); err != nil {
		return nil, errors.Wrap(err, "storing issued certificate")
	}
	return []*x509.Certificate{cert}, nil
}

// Renew re-signs csr the same way Enrol does. The caller (server.Service)
// only checks that the server advertises Renewal; neither it nor this
// depot checks the requesting certificate's remaining validity.
func (d *Depot) Renew(csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error) {
	return d.Enrol(csr, signerCert, transID)
}

func (d *Depot) store(cert *x509.Certificate) error {
	_, err := d.db.Exec(
		`INSERT INTO ca_store (serial, status, dn, expiration_date, revocation_date, cert_der)
		 VALUES ($1, 'V', $2, $3, '', $4)
		 ON CONFLICT (serial) DO NOTHING`,
		cert.SerialNumber.String(), makeDn(cert), makeOpenSSLTime(cert.NotAfter), cert.Raw)
	return err
}

// RecipientIdentity returns the SCEP secrets' cert/key pair, used to
// decrypt incoming envelopes.
func (d *Depot) RecipientIdentity() (*x509.Certificate, crypto.PrivateKey, error) {
	certs, err := d.scepSecrets.GetCACert()
	if err != nil || len(certs) == 0 {
		return nil, nil, errors.Wrap(err, "loading recipient certificate")
	}
	key, err := d.scepSecrets.GetCAKey(d.caKeyPassword)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading recipient key")
	}
	return certs[0], key, nil
}

// SignerIdentity reuses the recipient identity to sign CertRep replies;
// this depot does not maintain a distinct SCEP-signing key.
func (d *Depot) SignerIdentity() (*scep.Signer, error) {
	cert, key, err := d.RecipientIdentity()
	if err != nil {
		return nil, err
	}
	return &scep.Signer{Cert: cert, Key: key}, nil
}

// makeDn renders a certificate's subject the same OpenSSL-style way the
// teacher's ca_store schema keys rows, so CertificateInitial's lookup by a
// raw ASN.1 Name (see rawNameDn) finds rows stored from a
// *x509.Certificate. A certificate with an email SAN gets an
// "/emailAddress=" suffix that rawNameDn never produces.
func makeDn(cert *x509.Certificate) string {
	var dn bytes.Buffer
	if len(cert.Subject.Country) > 0 && cert.Subject.Country[0] != "" {
		dn.WriteString("/C=" + cert.Subject.Country[0])
	}
	if len(cert.Subject.Province) > 0 && cert.Subject.Province[0] != "" {
		dn.WriteString("/ST=" + cert.Subject.Province[0])
	}
	if len(cert.Subject.Locality) > 0 && cert.Subject.Locality[0] != "" {
		dn.WriteString("/L=" + cert.Subject.Locality[0])
	}
	if len(cert.Subject.Organization) > 0 && cert.Subject.Organization[0] != "" {
		dn.WriteString("/O=" + cert.Subject.Organization[0])
	}
	if len(cert.Subject.OrganizationalUnit) > 0 && cert.Subject.OrganizationalUnit[0] != "" {
		dn.WriteString("/OU=" + cert.Subject.OrganizationalUnit[0])
	}
	if cert.Subject.CommonName != "" {
		dn.WriteString("/CN=" + cert.Subject.CommonName)
	}
	if len(cert.EmailAddresses) > 0 {
		dn.WriteString("/emailAddress=" + cert.EmailAddresses[0])
	}
	return dn.String()
}

func makeCsrDn(csr *x509.CertificateRequest) string {
	var dn bytes.Buffer
	if len(csr.Subject.Country) > 0 && csr.Subject.Country[0] != "" {
		dn.WriteString("/C=" + csr.Subject.Country[0])
	}
	if len(csr.Subject.Organization) > 0 && csr.Subject.Organization[0] != "" {
		dn.WriteString("/O=" + csr.Subject.Organization[0])
	}
	if csr.Subject.CommonName != "" {
		dn.WriteString("/CN=" + csr.Subject.CommonName)
	}
	return dn.String()
}

// makeOpenSSLTime renders t the way OpenSSL's index.txt expiration
// column does: YYMMDDHHMMSSZ.
func makeOpenSSLTime(t time.Time) string {
	y := int(t.Year()) % 100
	return fmt.Sprintf("%02d%02d%02d%02d%02d%02dZ", y, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// rawNameDn renders a raw ASN.1 Name (as carried by IssuerAndSubject) the
// same way makeDn renders a parsed certificate subject, by decoding it
// into a pkix.Name and applying the same field order. It has no
// counterpart to makeDn's emailAddress suffix.
func rawNameDn(rawName []byte) string {
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(rawName, &rdn); err != nil {
		return fmt.Sprintf("%x", rawName)
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)

	var dn bytes.Buffer
	if len(name.Country) > 0 && name.Country[0] != "" {
		dn.WriteString("/C=" + name.Country[0])
	}
	if len(name.Province) > 0 && name.Province[0] != "" {
		dn.WriteString("/ST=" + name.Province[0])
	}
	if len(name.Locality) > 0 && name.Locality[0] != "" {
		dn.WriteString("/L=" + name.Locality[0])
	}
	if len(name.Organization) > 0 && name.Organization[0] != "" {
		dn.WriteString("/O=" + name.Organization[0])
	}
	if len(name.OrganizationalUnit) > 0 && name.OrganizationalUnit[0] != "" {
		dn.WriteString("/OU=" + name.OrganizationalUnit[0])
	}
	if name.CommonName != "" {
		dn.WriteString("/CN=" + name.CommonName)
	}
	return dn.String()
}
