// logging.go - structured logging wiring for the fiberloop package.
//
// The package logs through logiface, which is nil-receiver safe: with no
// logger configured every call site is a cheap no-op. A package-level
// default may be installed once at startup; individual schedulers can
// override it via WithLogger.

package fiberloop

import (
	"sync"

	"github.com/joeycumines/logiface"
)

var defaultLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetDefaultLogger sets the package-level logger, used by schedulers and
// IOManagers constructed without WithLogger. May be nil to disable.
func SetDefaultLogger(logger *logiface.Logger[logiface.Event]) {
	defaultLogger.Lock()
	defer defaultLogger.Unlock()
	defaultLogger.logger = logger
}

// getDefaultLogger safely retrieves the package-level logger, which may be
// nil (logiface treats a nil logger as disabled).
func getDefaultLogger() *logiface.Logger[logiface.Event] {
	defaultLogger.RLock()
	defer defaultLogger.RUnlock()
	return defaultLogger.logger
}
