package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"physics-pipeline/internal/shared/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the progress server on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", Addr(addr))
	if err != nil {
		return err
	}
	return serveListener(ctx, ln, handler)
}

func serveListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		telemetry.Info("http.listen", map[string]any{"addr": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	telemetry.Info("http.stopped", map[string]any{"addr": ln.Addr().String()})
	return nil
}
