package scepserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/go-kit/kit/log"
	kitopentracing "github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/gorilla/mux"
	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/scepcore/scepd/scep"
)

var (
	errMissingOperation = &badRequestError{`Missing "operation" parameter.`}
	errInvalidOperation = &badRequestError{`Invalid "operation" parameter.`}
)

// badRequestError carries the exact plaintext body a 400 must render.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

// methodNotAllowedError carries the set of methods a 405's Allow
// header must list.
type methodNotAllowedError struct{ allow string }

func (e *methodNotAllowedError) Error() string { return "method not allowed" }

// DecodeSCEPRequest parses {method, query, body} into a SCEPRequest,
// enforcing the operation-parameter and method-policy rules.
func DecodeSCEPRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	opParam := r.URL.Query().Get("operation")
	if opParam == "" {
		return nil, errMissingOperation
	}
	op, ok := scep.ParseOperation(opParam)
	if !ok {
		return nil, errInvalidOperation
	}

	if op != scep.OpPKIOperation {
		if r.Method != http.MethodGet {
			return nil, &methodNotAllowedError{allow: http.MethodGet}
		}
		return SCEPRequest{Operation: string(op), Message: []byte(r.URL.Query().Get("message"))}, nil
	}

	switch r.Method {
	case http.MethodGet:
		msg := strings.Replace(r.URL.Query().Get("message"), " ", "+", -1)
		data, err := base64.StdEncoding.DecodeString(msg)
		if err != nil {
			return nil, &badRequestError{"Invalid \"message\" parameter."}
		}
		return SCEPRequest{Operation: string(op), Message: data}, nil
	case http.MethodPost:
		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return SCEPRequest{Operation: string(op), Message: body}, nil
	default:
		return nil, &methodNotAllowedError{allow: http.MethodGet + ", " + http.MethodPost}
	}
}

// EncodeSCEPRequest is the client-side counterpart of
// DecodeSCEPRequest, used by SCEP clients issuing requests against
// this transport.
func EncodeSCEPRequest(ctx context.Context, r *http.Request, request interface{}) error {
	req := request.(SCEPRequest)
	params := r.URL.Query()
	params.Set("operation", req.Operation)

	if r.Method == http.MethodPost {
		r.URL.RawQuery = params.Encode()
		r.ContentLength = int64(len(req.Message))
		r.Body = ioutil.NopCloser(bytes.NewReader(req.Message))
		return nil
	}

	if req.Operation == "PKIOperation" {
		params.Set("message", base64.StdEncoding.EncodeToString(req.Message))
	} else {
		params.Set("message", string(req.Message))
	}
	r.URL.RawQuery = params.Encode()
	return nil
}

// encodeResponse frames a SCEPResponse per the operation's
// content-type and status-code rules. Handler errors are routed to
// encodeError rather than written here.
func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(SCEPResponse)
	if resp.Err != nil {
		encodeError(ctx, resp.Err, w)
		return nil
	}

	switch resp.Operation {
	case "GetCACaps":
		w.Header().Set("Content-Type", "text/plain")
		w.Write(resp.Data)

	case "GetCACert":
		if resp.CACertNum < 2 {
			w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		} else {
			w.Header().Set("Content-Type", "application/x-x509-ca-ra-cert")
		}
		w.Write(resp.Data)

	case "GetNextCACert":
		if len(resp.Data) == 0 {
			writeText(w, http.StatusNotImplemented, "GetNextCACert Not Supported")
			return nil
		}
		w.Header().Set("Content-Type", "application/x-x509-next-ca-cert")
		w.Write(resp.Data)

	case "PKIOperation":
		w.Header().Set("Content-Type", "application/x-pki-message")
		w.Write(resp.Data)
	}
	return nil
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if e, ok := err.(*methodNotAllowedError); ok {
		w.Header().Set("Allow", e.allow)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeText(w, codeFrom(err), err.Error())
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

func codeFrom(err error) int {
	switch e := err.(type) {
	case *badRequestError:
		return http.StatusBadRequest
	case *scep.ProtocolInputError:
		return e.Status
	default:
		return http.StatusInternalServerError
	}
}

// MakeHTTPHandler mounts e behind gorilla/mux, tracing each request
// with otTracer and logging transport-level errors with logger.
func MakeHTTPHandler(e Endpoints, svc Service, logger log.Logger, otTracer stdopentracing.Tracer) http.Handler {
	options := []httptransport.ServerOption{
		httptransport.ServerErrorEncoder(encodeError),
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerBefore(kitopentracing.HTTPToContext(otTracer, "scep", logger)),
	}

	getHandler := httptransport.NewServer(e.GetEndpoint, DecodeSCEPRequest, encodeResponse, options...)
	postHandler := httptransport.NewServer(e.PostEndpoint, DecodeSCEPRequest, encodeResponse, options...)

	r := mux.NewRouter()
	r.Handle("/scep", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			postHandler.ServeHTTP(w, r)
			return
		}
		getHandler.ServeHTTP(w, r)
	}))
	r.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if svc.Health(r.Context()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	return r
}
