//go:build !govips || !cgo

package pipeline

import "github.com/dunamismax/pixeldrop/internal/config"

// Startup is a no-op for the pure Go engine.
func Startup(config.ImageConfig) error {
	return nil
}

func Shutdown() {}

func EngineName() string {
	return "imaging"
}

func newEngine() (Engine, error) {
	return imagingEngine{}, nil
}
