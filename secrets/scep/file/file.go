package file

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log"
)

type file struct {
	Info os.FileInfo
	Data []byte
}

// fileSCEPSecrets reads the SCEP recipient/signer identity (ca.pem,
// ca.key) off local disk, the same depot layout the "ca" bootstrap
// subcommand writes.
type fileSCEPSecrets struct {
	dirPath string
	logger  log.Logger
}

// NewFileSCEPSecrets reads SCEP secrets from path.
func NewFileSCEPSecrets(path string, logger log.Logger) (*fileSCEPSecrets, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &fileSCEPSecrets{dirPath: path, logger: logger}, nil
}

func (d *fileSCEPSecrets) GetCACert() ([]*x509.Certificate, error) {
	caPEM, err := d.getFile("ca.pem")
	if err != nil {
		return nil, err
	}
	cert, err := loadCert(caPEM.Data)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

func (d *fileSCEPSecrets) GetCAKey(password []byte) (*rsa.PrivateKey, error) {
	keyPEM, err := d.getFile("ca.key")
	if err != nil {
		return nil, err
	}
	key, err := loadKey(keyPEM.Data, password)
	if err != nil {
		return nil, err
	}
	d.logger.Log("msg", "loaded CA key", "path", d.path("ca.key"))
	return key, nil
}

func (d *fileSCEPSecrets) getFile(path string) (*file, error) {
	if err := d.check(path); err != nil {
		return nil, err
	}
	fi, err := os.Stat(d.path(path))
	if err != nil {
		return nil, err
	}
	b, err := ioutil.ReadFile(d.path(path))
	return &file{fi, b}, err
}

func (d *fileSCEPSecrets) path(name string) string {
	return filepath.Join(d.dirPath, name)
}

func (d *fileSCEPSecrets) check(path string) error {
	_, err := os.Stat(d.path(path))
	return err
}

const (
	rsaPrivateKeyPEMBlockType = "RSA PRIVATE KEY"
	certificatePEMBlockType   = "CERTIFICATE"
)

// loadKey loads a private key from disk, decrypting it with password
// when one is supplied.
func loadKey(data []byte, password []byte) (*rsa.PrivateKey, error) {
	pemBlock, _ := pem.Decode(data)
	if pemBlock == nil {
		return nil, errors.New("PEM decode failed")
	}
	if pemBlock.Type != rsaPrivateKeyPEMBlockType {
		return nil, errors.New("unmatched type or headers")
	}
	pemBlockBytes := pemBlock.Bytes
	if len(password) > 0 {
		var err error
		pemBlockBytes, err = x509.DecryptPEMBlock(pemBlock, password)
		if err != nil {
			return nil, err
		}
	}
	return x509.ParsePKCS1PrivateKey(pemBlockBytes)
}

// loadCert loads a certificate from disk.
func loadCert(data []byte) (*x509.Certificate, error) {
	pemBlock, _ := pem.Decode(data)
	if pemBlock == nil {
		return nil, errors.New("PEM decode failed")
	}
	if pemBlock.Type != certificatePEMBlockType {
		return nil, errors.New("unmatched type or headers")
	}
	return x509.ParseCertificate(pemBlock.Bytes)
}
