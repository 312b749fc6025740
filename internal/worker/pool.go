package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Pool runs several loops in one process. Loops share stores and metrics but
// each claims under its own owner id.
type Pool struct {
	logger  *log.Logger
	loops   []*Loop
	metrics *metrics
}

func NewPool(logger *log.Logger, cfg Config, concurrency int, deps Deps) (*Pool, error) {
	if concurrency < 1 {
		return nil, errors.New("worker concurrency must be >= 1")
	}

	m := newMetrics()
	p := &Pool{logger: logger, metrics: m}
	for i := 0; i < concurrency; i++ {
		loopCfg := cfg
		loopCfg.Owner = fmt.Sprintf("%s/%d", cfg.Owner, i)
		loop, err := newLoop(logger, loopCfg, deps, m)
		if err != nil {
			return nil, err
		}
		p.loops = append(p.loops, loop)
	}
	return p, nil
}

// Run blocks until ctx is done and every loop has let go of its job.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range p.loops {
		g.Go(func() error {
			return loop.Run(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) MetricsHandler() http.Handler {
	return p.metrics.Handler()
}
