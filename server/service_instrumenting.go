package scepserver

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"
)

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

// NewInstrumentingMiddleware wraps next, recording a request count and
// latency histogram per method call.
func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram, next Service) Service {
	return &instrumentingMiddleware{
		requestCount:   counter,
		requestLatency: latency,
		next:           next,
	}
}

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "Health").Add(1)
		mw.requestLatency.With("method", "Health").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) GetCACaps(ctx context.Context, identifier string) (caps []byte, err error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "GetCACaps").Add(1)
		mw.requestLatency.With("method", "GetCACaps").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.GetCACaps(ctx, identifier)
}

func (mw *instrumentingMiddleware) GetCACert(ctx context.Context, identifier string) (cert []byte, certNum int, err error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "GetCACert").Add(1)
		mw.requestLatency.With("method", "GetCACert").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.GetCACert(ctx, identifier)
}

func (mw *instrumentingMiddleware) PKIOperation(ctx context.Context, data []byte) (certRep []byte, err error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "PKIOperation").Add(1)
		mw.requestLatency.With("method", "PKIOperation").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.PKIOperation(ctx, data)
}

func (mw *instrumentingMiddleware) GetNextCACert(ctx context.Context, identifier string) ([]byte, error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "GetNextCACert").Add(1)
		mw.requestLatency.With("method", "GetNextCACert").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.GetNextCACert(ctx, identifier)
}
