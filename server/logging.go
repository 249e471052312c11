package scepserver

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
)

type loggingService struct {
	logger log.Logger
	next   Service
}

// NewLoggingService wraps next, logging one line per call with the
// method name, call duration and error, if any.
func NewLoggingService(logger log.Logger, next Service) Service {
	return &loggingService{logger: logger, next: next}
}

func (mw *loggingService) Health(ctx context.Context) bool {
	defer func(begin time.Time) {
		mw.logger.Log("method", "Health", "took", time.Since(begin))
	}(time.Now())

	return mw.next.Health(ctx)
}

func (mw *loggingService) GetCACaps(ctx context.Context, identifier string) (caps []byte, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "GetCACaps", "identifier", identifier, "took", time.Since(begin), "err", err)
	}(time.Now())

	return mw.next.GetCACaps(ctx, identifier)
}

func (mw *loggingService) GetCACert(ctx context.Context, identifier string) (cert []byte, certNum int, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "GetCACert", "identifier", identifier, "certNum", certNum, "took", time.Since(begin), "err", err)
	}(time.Now())

	return mw.next.GetCACert(ctx, identifier)
}

func (mw *loggingService) PKIOperation(ctx context.Context, data []byte) (certRep []byte, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "PKIOperation", "took", time.Since(begin), "err", err)
	}(time.Now())

	return mw.next.PKIOperation(ctx, data)
}

func (mw *loggingService) GetNextCACert(ctx context.Context, identifier string) (cert []byte, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "GetNextCACert", "identifier", identifier, "took", time.Since(begin), "err", err)
	}(time.Now())

	return mw.next.GetNextCACert(ctx, identifier)
}
