// Package interceptors wraps request handlers with cross-cutting behaviour.
//
// Built-in interceptors:
//   - RecoveryInterceptor: turns a handler panic into an error
//   - LoggingInterceptor: logs handling with timing information
//   - MetricsInterceptor: counts requests, errors and handling time
//   - ValidationInterceptor: rejects requests a Validator refuses
//   - TimeoutInterceptor: puts a deadline on the handler's context
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithMetrics(collector).
//		Build()
//
//	err := chain.Execute(ctx, request, handler)
package interceptors
