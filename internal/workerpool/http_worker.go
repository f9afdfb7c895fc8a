package workerpool

import (
	"context"
	"net/http"
	"time"
)

// HTTPServerWorker adapts an *http.Server into a Worker: Run blocks
// serving until ctx is cancelled, then drains in-flight requests with a
// bounded graceful shutdown. Grounded on the teacher's
// internal/services/http_worker.go HTTPServerWorker, generalized to
// accept any Logger rather than the teacher's concrete logging type.
type HTTPServerWorker struct {
	name            string
	server          *http.Server
	logger          Logger
	shutdownTimeout time.Duration
}

var _ Worker = (*HTTPServerWorker)(nil)

// NewHTTPServerWorker registers server under the given worker name.
// shutdownTimeout <= 0 uses a 10 second default, matching the teacher.
func NewHTTPServerWorker(name string, server *http.Server, logger Logger, shutdownTimeout time.Duration) *HTTPServerWorker {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerWorker{name: name, server: server, logger: logger, shutdownTimeout: shutdownTimeout}
}

func (w *HTTPServerWorker) Name() string { return w.name }

func (w *HTTPServerWorker) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
