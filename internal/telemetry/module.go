package telemetry

import (
	"go.uber.org/fx"
)

// Module provides a Reporter threaded into whatever components need to
// surface a kill-switch, watchdog fire, or rejection alert.
var Module = fx.Options(
	fx.Provide(NewReporter),
)
