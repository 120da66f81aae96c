package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Module provides a Collector registered against the process's default
// Prometheus registry.
var Module = fx.Options(
	fx.Provide(func() *Collector { return New(prometheus.DefaultRegisterer) }),
)
