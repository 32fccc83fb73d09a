//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/pixeldrop/internal/config"
)

var (
	runtimeMu sync.Mutex
	started   bool
)

// Startup boots libvips once per process. Later calls are no-ops until
// Shutdown runs.
func Startup(cfg config.ImageConfig) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if started {
		return nil
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheFiles:    0,
		MaxCacheMem:      cfg.CacheMemMB * 1024 * 1024,
		MaxCacheSize:     cfg.CacheOps,
	})
	started = true
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func EngineName() string {
	return "govips"
}

func newEngine() (Engine, error) {
	return govipsEngine{}, nil
}
