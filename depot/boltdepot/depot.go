// Package boltdepot implements depot.Depot on top of an embedded
// boltdb database, the backend the teacher's server tests exercised
// directly against a bolt-backed depot rather than Postgres.
package boltdepot

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"math/big"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/scepcore/scepd/scep"
)

var (
	certBucket    = []byte("scep_certificates")
	pendingBucket = []byte("scep_pending")
)

// Depot is a boltdb-backed depot.Depot, primarily useful for tests and
// single-node deployments that don't need Postgres or Vault.
type Depot struct {
	db         *bolt.DB
	caCert     *x509.Certificate
	caKey      *rsa.PrivateKey
	signerCert *x509.Certificate
	signerKey  crypto.PrivateKey
	caps       []scep.Capability
}

// NewBoltDepot opens (creating if absent) a boltdb file at path and
// configures it to issue certificates signed by caCert/caKey, with
// outgoing CertRep replies signed by signerCert/signerKey.
func NewBoltDepot(path string, caCert *x509.Certificate, caKey *rsa.PrivateKey, signerCert *x509.Certificate, signerKey crypto.PrivateKey) (*Depot, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt depot")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(certBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating bolt depot buckets")
	}
	return &Depot{
		db:         db,
		caCert:     caCert,
		caKey:      caKey,
		signerCert: signerCert,
		signerKey:  signerKey,
		caps: []scep.Capability{
			scep.CapRenewal,
			scep.CapSHA1,
			scep.CapSHA256,
			scep.CapAES,
			scep.CapDES3,
			scep.CapSCEPStandard,
			scep.CapPOSTPKIOperation,
		},
	}, nil
}

func (d *Depot) Capabilities(identifier string) []scep.Capability {
	return d.caps
}

func (d *Depot) CACertificates(identifier string) ([]*x509.Certificate, error) {
	if d.caCert == nil {
		return nil, nil
	}
	return []*x509.Certificate{d.caCert}, nil
}

// NextCACertificates has no rollover CA configured in the bolt depot.
func (d *Depot) NextCACertificates(identifier string) ([]*x509.Certificate, error) {
	return nil, nil
}

func (d *Depot) Certificate(ias scep.IssuerAndSerialNumber) ([]*x509.Certificate, error) {
	if ias.SerialNumber == nil {
		return nil, nil
	}
	var der []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		der = tx.Bucket(certBucket).Get(serialKey(ias.SerialNumber))
		return nil
	})
	if err != nil || der == nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

func (d *Depot) CertificateInitial(ias scep.IssuerAndSubject, transID scep.TransactionID) ([]*x509.Certificate, error) {
	var pending, der []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		pending = tx.Bucket(pendingBucket).Get([]byte(transID))
		der = tx.Bucket(certBucket).Get(subjectKey(ias.Subject.FullBytes))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, nil // still pending
	}
	if der == nil {
		return nil, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

// CRL is not maintained by the bolt depot.
func (d *Depot) CRL(ias scep.IssuerAndSerialNumber) ([]byte, error) {
	return nil, nil
}

func (d *Depot) Enrol(csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error) {
	if csr.Subject.CommonName == "Poll" {
		return nil, d.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(pendingBucket).Put([]byte(transID), []byte{1})
		})
	}
	if d.caCert == nil || d.caKey == nil {
		return nil, scep.NewOperationFailure(scep.BadRequest, errors.New("bolt depot has no CA configured"))
	}

	serial, err := d.nextSerial()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    d.caCert.NotBefore,
		NotAfter:     d.caCert.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, d.caCert, csr.PublicKey, d.caKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(certBucket).Put(serialKey(serial), der); err != nil {
			return err
		}
		if err := tx.Bucket(certBucket).Put(subjectKey(cert.RawSubject), der); err != nil {
			return err
		}
		return tx.Bucket(pendingBucket).Delete([]byte(transID))
	})
	if err != nil {
		return nil, errors.Wrap(err, "storing issued certificate")
	}
	return []*x509.Certificate{cert}, nil
}

func (d *Depot) Renew(csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error) {
	return d.Enrol(csr, signerCert, transID)
}

func (d *Depot) RecipientIdentity() (*x509.Certificate, crypto.PrivateKey, error) {
	if d.signerCert == nil || d.signerKey == nil {
		return nil, nil, errors.New("bolt depot has no signer identity configured")
	}
	return d.signerCert, d.signerKey, nil
}

func (d *Depot) SignerIdentity() (*scep.Signer, error) {
	cert, key, err := d.RecipientIdentity()
	if err != nil {
		return nil, err
	}
	return &scep.Signer{Cert: cert, Key: key}, nil
}

func (d *Depot) nextSerial() (*big.Int, error) {
	var n uint64
	err := d.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.Bucket(certBucket).NextSequence()
		return err
	})
	if err != nil {
		return nil, err
	}
	return big.NewInt(int64(n) + 1), nil
}

func serialKey(serial *big.Int) []byte {
	return []byte("serial:" + serial.String())
}

func subjectKey(rawSubject []byte) []byte {
	sum := sha1.Sum(rawSubject)
	return append([]byte("subject:"), sum[:]...)
}
