// Package log wraps go.uber.org/zap for the rest of the module,
// following the same package-scoped logger-per-component pattern as
// the example internal/logger package this is grounded on.
package log

import (
	"os"

	"go.uber.org/zap"
)

// New returns a production zap logger tagged with the calling
// component's name, or a development logger (human-readable, debug
// level) when SUBOTAI_ENV=development. Panics on construction failure,
// matching the teacher's own logger.New: a node cannot usefully run
// without its logger.
func New(component string) *zap.SugaredLogger {
	var base *zap.Logger
	var err error
	if os.Getenv("SUBOTAI_ENV") == "development" {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return base.With(zap.String("component", component)).Sugar()
}

// Noop returns a logger that discards everything, for tests and
// other callers that want no log output. (A Node whose Config.Logger
// is nil gets New("subotai"), not Noop.)
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
