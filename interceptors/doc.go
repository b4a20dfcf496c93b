// Package interceptors adds cross-cutting concerns around subscription
// handlers without touching them.
//
// An InterceptorChain becomes registry middleware, so every delivery passes
// the chain before its handler runs. RPC reply queues are not intercepted.
//
//	chain := interceptors.NewInterceptorChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(30*time.Second),
//	)
//	registry := messaging.NewSubscriptionRegistry(consumer, topology,
//		messaging.WithMiddleware(chain.Middleware()))
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each delivery with timing
//   - MetricsInterceptor: counts deliveries, durations and errors per route
//   - TimeoutInterceptor: bounds the handler context
//   - ErrorHandlingInterceptor: hands failures to an ErrorHandler
//   - FilteringInterceptor: skips deliveries a MessageFilter rejects
//   - ConditionalInterceptor: runs another interceptor only when a filter matches
//
// Interceptors run in the order they were added, the handler last. They share
// the delivery's AckOnce with the handler, so an interceptor that acks settles
// the delivery for everyone.
package interceptors
