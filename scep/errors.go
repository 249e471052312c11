package scep

import "fmt"

// ProtocolInputError reports a malformed HTTP surface: missing/unknown
// operation, wrong method, unparseable base64. The dispatcher turns
// this into a plain-text 4xx/405 response, never a CertRep — the
// client has not been authenticated yet.
type ProtocolInputError struct {
	Status int
	Reason string
}

func (e *ProtocolInputError) Error() string { return e.Reason }

// NewProtocolInputError builds a ProtocolInputError with the given
// status and reason.
func NewProtocolInputError(status int, reason string) *ProtocolInputError {
	return &ProtocolInputError{Status: status, Reason: reason}
}

// MessageDecodingError reports a failure to parse or verify the inbound
// CMS object: bad signature, missing required signed attribute, failed
// decryption, malformed inner ASN.1. The dispatcher surfaces this as a
// 500 and never emits a CertRep, because the sender of a message that
// fails to decode cannot be trusted to have sent a legitimate nonce.
type MessageDecodingError struct {
	Err error
}

func (e *MessageDecodingError) Error() string {
	return fmt.Sprintf("scep: message decoding failed: %v", e.Err)
}

func (e *MessageDecodingError) Unwrap() error { return e.Err }

// OperationFailure is returned by a CA backend to refuse a PKIOperation
// request. The handler translates it into a CertRep FAILURE carrying
// Info, returned as a normal 200 response.
type OperationFailure struct {
	Info FailInfo
	Err  error
}

func (e *OperationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scep: operation failed (failInfo=%s): %v", e.Info, e.Err)
	}
	return fmt.Sprintf("scep: operation failed (failInfo=%s)", e.Info)
}

func (e *OperationFailure) Unwrap() error { return e.Err }

// NewOperationFailure wraps err as a backend domain refusal carrying info.
func NewOperationFailure(info FailInfo, err error) *OperationFailure {
	return &OperationFailure{Info: info, Err: err}
}
