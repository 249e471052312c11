package scepserver

import (
	"context"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"
	stdopentracing "github.com/opentracing/opentracing-go"
)

// Endpoints collects the go-kit endpoints serving the two methods SCEP
// allows: GET (GetCACaps/GetCACert/GetNextCACert/PKIOperation) and
// POST (PKIOperation only). Operation dispatch inside each endpoint is
// keyed on SCEPRequest.Operation, not on the HTTP method, mirroring the
// single-path query-parameter routing spec.md's dispatcher describes.
type Endpoints struct {
	GetEndpoint  endpoint.Endpoint
	PostEndpoint endpoint.Endpoint
}

// MakeServerEndpoints wraps svc's methods as go-kit endpoints, tracing
// each with otTracer.
func MakeServerEndpoints(s Service, otTracer stdopentracing.Tracer) Endpoints {
	var getEndpoint endpoint.Endpoint
	{
		getEndpoint = makeSCEPEndpoint(s)
		getEndpoint = opentracingServerMiddleware(otTracer, "GET")(getEndpoint)
	}
	var postEndpoint endpoint.Endpoint
	{
		postEndpoint = makeSCEPEndpoint(s)
		postEndpoint = opentracingServerMiddleware(otTracer, "POST")(postEndpoint)
	}
	return Endpoints{
		GetEndpoint:  getEndpoint,
		PostEndpoint: postEndpoint,
	}
}

// SCEPRequest is the decoded form of an incoming GET or POST.
// Operation carries the `operation` query parameter and Message
// carries either the decoded `message` parameter (GET) or the raw
// request body (POST, PKIOperation only).
type SCEPRequest struct {
	Operation string
	Message   []byte
}

// SCEPResponse is the result of dispatching a SCEPRequest, carrying
// enough information for the transport to frame the reply per
// spec.md's response-framing table.
type SCEPResponse struct {
	Operation string
	CACertNum int
	Data      []byte
	Err       error
}

func makeSCEPEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(SCEPRequest)
		switch req.Operation {
		case "GetCACaps":
			data, err := s.GetCACaps(ctx, string(req.Message))
			return SCEPResponse{Operation: req.Operation, Data: data, Err: err}, nil
		case "GetCACert":
			data, num, err := s.GetCACert(ctx, string(req.Message))
			return SCEPResponse{Operation: req.Operation, Data: data, CACertNum: num, Err: err}, nil
		case "GetNextCACert":
			data, err := s.GetNextCACert(ctx, string(req.Message))
			return SCEPResponse{Operation: req.Operation, Data: data, Err: err}, nil
		case "PKIOperation":
			data, err := s.PKIOperation(ctx, req.Message)
			return SCEPResponse{Operation: req.Operation, Data: data, Err: err}, nil
		default:
			return SCEPResponse{Operation: req.Operation, Err: errInvalidOperation}, nil
		}
	}
}

// EndpointLoggingMiddleware logs the duration of each endpoint call.
func EndpointLoggingMiddleware(logger log.Logger) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			defer func(begin time.Time) {
				logger.Log("took", time.Since(begin))
			}(time.Now())
			return next(ctx, request)
		}
	}
}

func opentracingServerMiddleware(tracer stdopentracing.Tracer, operationName string) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			var span stdopentracing.Span
			if parent := stdopentracing.SpanFromContext(ctx); parent != nil {
				span = tracer.StartSpan("scep_"+operationName, stdopentracing.ChildOf(parent.Context()))
			} else {
				span = tracer.StartSpan("scep_" + operationName)
			}
			defer span.Finish()
			return next(stdopentracing.ContextWithSpan(ctx, span), request)
		}
	}
}
