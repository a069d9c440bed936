package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/snapvrt/snapvrt/internal/errext"
)

// maxSessionFailures is how many consecutive tab-creation failures a
// worker tolerates before declaring the browser dead. One flaky
// failure shouldn't kill a run; three in a row means Chrome is gone.
const maxSessionFailures = 3

// Outcome is one job's result on the stream: an artifact or a
// classified error, never both.
type Outcome struct {
	Job      Job
	Artifact *Artifact
	Err      *errext.Error
}

// sessionFactory is what a worker needs from the Renderer. Narrowed so
// scheduler tests can run against a fake browser.
type sessionFactory interface {
	NewSession(ctx context.Context) (*Session, error)
	CloseSession(ctx context.Context, s *Session) error
}

// Run starts a fixed pool of workers pulling jobs from a shared queue
// and streams outcomes as captures complete. Exactly one outcome is
// emitted per job; the channel closes when all workers exit.
//
// Cancellation of ctx aborts in-flight pipelines at their next
// suspension point, closes their tabs, and drains remaining jobs as
// Cancelled. A dead browser drains remaining jobs as BrowserCrashed.
func Run(ctx context.Context, renderer sessionFactory, jobs []Job, parallel int) <-chan Outcome {
	if parallel < 1 {
		parallel = 1
	}
	workers := parallel
	if len(jobs) < workers {
		workers = len(jobs)
	}

	queue := make(chan Job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	results := make(chan Outcome, parallel*2)
	var browserDead atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, id, renderer, queue, results, &browserDead)
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func runWorker(ctx context.Context, id int, renderer sessionFactory, queue <-chan Job, results chan<- Outcome, browserDead *atomic.Bool) {
	log := logrus.WithField("worker", id)
	log.Debug("worker started")
	consecutiveFailures := 0

	for job := range queue {
		switch {
		case browserDead.Load():
			results <- Outcome{Job: job, Err: errext.New(errext.BrowserCrashed, "browser crashed")}
			continue
		case ctx.Err() != nil:
			results <- Outcome{Job: job, Err: errext.New(errext.Cancelled, "run cancelled")}
			continue
		}

		session, err := renderer.NewSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				results <- Outcome{Job: job, Err: errext.New(errext.Cancelled, "run cancelled")}
				continue
			}
			consecutiveFailures++
			log.WithError(err).WithField("consecutive", consecutiveFailures).Warn("failed to create tab")
			results <- Outcome{Job: job, Err: errext.Wrap(errext.CdpProtocol, err, "create tab")}
			if consecutiveFailures >= maxSessionFailures {
				log.Warn("browser appears to have crashed, draining remaining jobs")
				browserDead.Store(true)
			}
			continue
		}
		consecutiveFailures = 0

		captureCtx, cancel := context.WithTimeout(ctx, PipelineTimeout)
		artifact, err := session.Capture(captureCtx, Request{
			URL:    job.URL,
			Width:  job.Width,
			Height: job.Height,
			Scale:  job.Scale,
		})
		cancel()

		// The tab is closed no matter how the capture went.
		if cerr := renderer.CloseSession(ctx, session); cerr != nil {
			log.WithError(cerr).Debug("failed to close tab")
		}

		if err != nil {
			results <- Outcome{Job: job, Err: classifyCaptureErr(ctx, err)}
			continue
		}
		log.WithFields(logrus.Fields{
			"job":        job.SnapshotID(),
			"elapsed_ms": artifact.Timings.Total.Milliseconds(),
		}).Debug("captured")
		results <- Outcome{Job: job, Artifact: artifact}
	}
	log.Debug("worker exiting")
}

func classifyCaptureErr(ctx context.Context, err error) *errext.Error {
	if ctx.Err() != nil {
		return errext.New(errext.Cancelled, "run cancelled")
	}
	var e *errext.Error
	if errors.As(err, &e) {
		return e
	}
	return errext.Wrap(errext.CdpProtocol, err, "capture failed")
}
