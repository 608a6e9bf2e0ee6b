package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/kilupskalvis/kgserve/internal/loader"
)

// reloader is the part of the loader driven by SIGHUP.
type reloader interface {
	Source() string
	Reload(ctx context.Context) (*loader.Result, error)
}

// reloadOnSignal reloads the configured bundle each time sig fires, until
// ctx is done. Failures are logged by the loader and keep the previous
// bundle active.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, ld reloader, timeout time.Duration, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if ld.Source() == "" {
				logger.Warn("reload requested but no bundle path is configured")
				continue
			}
			logger.Info("reload requested by signal")
			rctx, cancel := context.WithTimeout(ctx, timeout)
			ld.Reload(rctx) //nolint:errcheck // logged by the loader
			cancel()
		}
	}
}
