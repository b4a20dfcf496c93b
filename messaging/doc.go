// Package messaging provides the publish/subscribe and request/reply patterns
// on top of the internal rabbitmq layer.
//
// The building blocks are:
//   - SubscriptionRegistry: one network consumer per queue with prefetch 1,
//     fanning each delivery out to every local handler in registration order
//   - AckOnce: a per-delivery guard so shared handlers acknowledge exactly once
//   - DirectBroker: Publish and Consume over direct exchanges, where the route
//     "<exchange>.<key>" names a durable queue
//   - CorrelationRouter: pending calls keyed by correlation ID, with expiry
//   - RPCBroker: Request, Invoke and Serve using one exclusive reply queue
//
// Example usage:
//
//	direct := messaging.NewDirectBroker(topology, publisher, registry)
//	sub, err := direct.ConsumeAuto(ctx, "orders", "created",
//		func(ctx context.Context, d *messaging.Delivery) error {
//			var order Order
//			return d.Decode(&order)
//		})
//
//	rpc := messaging.NewRPCBroker(direct, messaging.WithRequestTimeout(5*time.Second))
//	reply, err := rpc.Invoke(ctx, "pricing", "quote", QuoteRequest{SKU: "A-1"})
package messaging
