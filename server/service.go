package scepserver

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/go-kit/kit/log"

	"github.com/scepcore/scepd/depot"
	"github.com/scepcore/scepd/scep"
)

// Service is the interface for all supported SCEP server operations.
type Service interface {
	// Health reports whether the service is able to accept requests.
	Health(ctx context.Context) bool

	// GetCACaps returns the newline-separated capability tokens
	// supported by the server.
	GetCACaps(ctx context.Context, identifier string) ([]byte, error)

	// GetCACert returns the CA certificate, or a CA+RA chain as a
	// PKCS#7 degenerate Certificates payload, plus the number of
	// certificates the response carries.
	GetCACert(ctx context.Context, identifier string) ([]byte, int, error)

	// PKIOperation handles an incoming signed-and-enveloped SCEP
	// message and returns the encoded CertRep reply.
	PKIOperation(ctx context.Context, data []byte) ([]byte, error)

	// GetNextCACert returns the replacement CA certificate chain as a
	// SignedData signed by the depot's signer identity, or nil when the
	// depot has no replacement chain.
	GetNextCACert(ctx context.Context, identifier string) ([]byte, error)
}

type service struct {
	depot             depot.Depot
	challengePassword string
	allowRenewal      int // days before expiry renewal is permitted; stored only, nothing reads it
	clientValidity    int // client cert validity in days; stored only, nothing reads it

	// info logging is implemented in the LoggingService middleware.
	debugLogger log.Logger
}

func (svc *service) Health(ctx context.Context) bool {
	return true
}

func (svc *service) GetCACaps(ctx context.Context, identifier string) ([]byte, error) {
	return scep.FormatCapabilities(svc.depot.Capabilities(identifier)), nil
}

func (svc *service) GetCACert(ctx context.Context, identifier string) ([]byte, int, error) {
	certs, err := svc.depot.CACertificates(identifier)
	if err != nil {
		return nil, 0, err
	}
	if len(certs) == 0 {
		return nil, 0, fmt.Errorf("GetCaCert failed to obtain CA from store")
	}
	if len(certs) == 1 {
		return certs[0].Raw, 1, nil
	}
	data, err := scep.DegenerateCertificates(certs)
	return data, len(certs), err
}

func (svc *service) GetNextCACert(ctx context.Context, identifier string) ([]byte, error) {
	certs, err := svc.depot.NextCACertificates(identifier)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, nil
	}
	signer, err := svc.depot.SignerIdentity()
	if err != nil {
		return nil, fmt.Errorf("loading signer identity: %w", err)
	}
	return scep.SignCertificates(certs, signer)
}

func (svc *service) PKIOperation(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := scep.ParsePKIMessage(data, scep.WithLogger(svc.debugLogger))
	if err != nil {
		return nil, err
	}

	recipientCert, recipientKey, err := svc.depot.RecipientIdentity()
	if err != nil {
		return nil, fmt.Errorf("loading recipient identity: %w", err)
	}
	if err := msg.DecryptPKIEnvelope(recipientCert, recipientKey); err != nil {
		return nil, err
	}

	signer, err := svc.depot.SignerIdentity()
	if err != nil {
		return nil, fmt.Errorf("loading signer identity: %w", err)
	}

	inner, pending, failure := svc.dispatch(msg)
	if failure != nil {
		reply, err := scep.CreateCertRepFailure(msg, signer, failure.Info)
		if err != nil {
			return nil, err
		}
		return reply.Raw, nil
	}
	if pending {
		reply, err := scep.CreateCertRepPending(msg, signer)
		if err != nil {
			return nil, err
		}
		return reply.Raw, nil
	}

	reply, err := scep.CreateCertRepSuccess(msg, msg.SignerCert, signer, inner)
	if err != nil {
		return nil, err
	}
	return reply.Raw, nil
}

// dispatch routes a decoded pkiMessage to the appropriate backend
// operation and returns the SUCCESS reply's inner degenerate SignedData.
// pending=true means the backend accepted the request but has no
// certificate yet. A non-nil *scep.OperationFailure from the backend, or
// from a policy check made here (the challenge password, the Renewal
// capability gate), is reported as a CertRep FAILURE, never as a
// dispatcher error.
func (svc *service) dispatch(msg *scep.PKIMessage) (inner []byte, pending bool, failure *scep.OperationFailure) {
	switch msg.MessageType {
	case scep.GetCert:
		certs, err := svc.depot.Certificate(*msg.GetCertMessage)
		if err != nil {
			return nil, false, asOperationFailure(err)
		}
		if len(certs) == 0 {
			return nil, false, scep.NewOperationFailure(scep.BadCertID, nil)
		}
		return certsToInner(certs)

	case scep.CertPoll: // GetCertInitial
		certs, err := svc.depot.CertificateInitial(*msg.GetCertInitialMessage, msg.TransactionID)
		if err != nil {
			return nil, false, asOperationFailure(err)
		}
		if len(certs) == 0 {
			return nil, true, nil
		}
		return certsToInner(certs)

	case scep.GetCRL:
		crlDER, err := svc.depot.CRL(*msg.GetCRLMessage)
		if err != nil {
			return nil, false, asOperationFailure(err)
		}
		data, err := scep.DegenerateCRL(crlDER)
		if err != nil {
			return nil, false, scep.NewOperationFailure(scep.BadRequest, err)
		}
		return data, false, nil

	case scep.PKCSReq:
		if !svc.challengePasswordMatch(msg.CSRReqMessage.ChallengePassword) {
			svc.debugLogger.Log("err", "scep challenge password does not match")
			return nil, false, scep.NewOperationFailure(scep.BadRequest, nil)
		}
		certs, err := svc.depot.Enrol(msg.CSRReqMessage.CSR, msg.SignerCert, msg.TransactionID)
		if err != nil {
			return nil, false, asOperationFailure(err)
		}
		if len(certs) == 0 {
			return nil, true, nil
		}
		return certsToInner(certs)

	case scep.RenewalReq:
		if !scep.HasCapability(svc.depot.Capabilities(""), scep.CapRenewal) {
			return nil, false, scep.NewOperationFailure(scep.BadRequest, nil)
		}
		certs, err := svc.depot.Renew(msg.CSRReqMessage.CSR, msg.SignerCert, msg.TransactionID)
		if err != nil {
			return nil, false, asOperationFailure(err)
		}
		if len(certs) == 0 {
			return nil, true, nil
		}
		return certsToInner(certs)

	default:
		return nil, false, scep.NewOperationFailure(scep.BadRequest, fmt.Errorf("unsupported messageType %q", msg.MessageType))
	}
}

func certsToInner(certs []*x509.Certificate) ([]byte, bool, *scep.OperationFailure) {
	data, err := scep.DegenerateCertificates(certs)
	if err != nil {
		return nil, false, scep.NewOperationFailure(scep.BadRequest, err)
	}
	return data, false, nil
}

func asOperationFailure(err error) *scep.OperationFailure {
	if of, ok := err.(*scep.OperationFailure); ok {
		return of
	}
	return scep.NewOperationFailure(scep.BadRequest, err)
}

func (svc *service) challengePasswordMatch(pw string) bool {
	if svc.challengePassword == "" {
		return true
	}
	return svc.challengePassword == pw
}

// ServiceOption configures the default Service implementation.
type ServiceOption func(*service) error

// ChallengePassword sets a preshared challenge password PKCSReq CSRs
// must carry; RenewalReq CSRs are not checked. An empty password
// disables the check.
func ChallengePassword(pw string) ServiceOption {
	return func(s *service) error {
		s.challengePassword = pw
		return nil
	}
}

// AllowRenewal records the number of days before expiry renewal is
// permitted (optional). The service stores the value but does not
// enforce a renewal window, and it is not passed to the depot.
func AllowRenewal(days int) ServiceOption {
	return func(s *service) error {
		s.allowRenewal = days
		return nil
	}
}

// ClientValidity records the validity of signed client certs in days
// (optional). The service stores the value but does not apply it; the
// depot decides the validity of the certificates it issues.
func ClientValidity(days int) ServiceOption {
	return func(s *service) error {
		s.clientValidity = days
		return nil
	}
}

// WithLogger configures a debug logger for the SCEP service. By
// default, a no-op logger is used.
func WithLogger(logger log.Logger) ServiceOption {
	return func(s *service) error {
		if logger != nil {
			s.debugLogger = logger
		}
		return nil
	}
}

// NewService creates a new SCEP service backed by d.
func NewService(d depot.Depot, opts ...ServiceOption) (Service, error) {
	s := &service{
		depot:       d,
		debugLogger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}
