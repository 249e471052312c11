package vault

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

const certificatePEMBlockType = "CERTIFICATE"

// vaultSecrets signs certificate requests against a Vault PKI secrets
// engine mounted under signPath, authenticating with AppRole.
type vaultSecrets struct {
	client   *api.Client
	roleID   string
	secretID string
	signPath string
	logger   log.Logger
}

// NewVaultSecrets logs into address with an AppRole credential and
// returns a CASecrets that signs against the PKI role named by ca
// (mounted at "<ca>/sign/<ca>", mirroring Vault's PKI secrets engine
// convention).
func NewVaultSecrets(address, roleID, secretID, ca string, logger log.Logger) (*vaultSecrets, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client, err := api.NewClient(&api.Config{Address: address, HttpClient: &http.Client{}})
	if err != nil {
		return nil, errors.Wrap(err, "building vault client")
	}
	if err := Login(client, roleID, secretID); err != nil {
		return nil, errors.Wrap(err, "logging into vault")
	}
	return &vaultSecrets{
		client:   client,
		roleID:   roleID,
		secretID: secretID,
		signPath: fmt.Sprintf("%s/sign/%s", ca, ca),
		logger:   logger,
	}, nil
}

// Login authenticates client against Vault's AppRole auth method and
// installs the resulting token on it.
func Login(client *api.Client, roleID, secretID string) error {
	resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return err
	}
	client.SetToken(resp.Auth.ClientToken)
	return nil
}

// SignCertificate submits csr to the configured PKI role and returns the
// issued certificate's DER bytes.
func (vs *vaultSecrets) SignCertificate(csr *x509.CertificateRequest) ([]byte, error) {
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr.Raw})
	data, err := vs.client.Logical().Write(vs.signPath, map[string]interface{}{
		"csr":         string(csrPEM),
		"common_name": csr.Subject.CommonName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "writing to vault sign path")
	}
	certData, ok := data.Data["certificate"].(string)
	if !ok {
		return nil, errors.New("vault sign response carries no certificate field")
	}
	vs.logger.Log("msg", "certificate signed", "path", vs.signPath)

	certPEMBlock, _ := pem.Decode([]byte(certData))
	if certPEMBlock == nil || certPEMBlock.Type != certificatePEMBlockType {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	return certPEMBlock.Bytes, nil
}
