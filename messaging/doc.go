// Package messaging implements publishing and retry-aware consumption on
// top of a live/retry/failed exchange topology.
//
//   - Publisher: wraps bodies in envelopes and publishes them, optionally
//     delayed through the delayed-message exchange
//   - Subscriber: consumes a queue, acks successes and reroutes failures
//     to the retry exchange until the retry budget is spent, then to the
//     failed exchange
//   - Replayer: moves quarantined messages from the failed queue back to
//     the live exchange
//
// Example usage:
//
//	sub := messaging.NewSubscriber(session, "base")
//	err := sub.Consume(ctx, "orders", "shop.order.*",
//		messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
//			var order Order
//			if err := msg.Decode(&order); err != nil {
//				return contracts.Failure(err.Error()), nil
//			}
//			return contracts.Success("stored"), nil
//		}), nil)
package messaging
