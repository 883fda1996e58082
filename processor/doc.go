// Package processor is the default in-process command processor: commands
// go to exactly one handler, events to every handler registered for them.
//
//	p := processor.New(processor.WithLogger(logger))
//	processor.Handle(p, func(ctx context.Context, cmd *PlaceOrder) error {
//		return orders.Place(ctx, cmd)
//	})
package processor
