// Package eventbus provides a small in-process event bus with typed payloads.
//
// Unlike pkg/broadcast style fan-out over channels, Emit is synchronous: it
// calls every listener registered for the event kind, one after another, and
// returns when the last one finishes. A failing or panicking listener is
// logged and skipped; it never affects other listeners or the emitter.
//
//	bus := eventbus.New[Event](eventbus.WithLogger(log))
//	off := bus.On("synced", func(ctx context.Context, e Event) error {
//		return nil
//	})
//	defer off()
//	bus.Emit(ctx, "synced", evt)
//
// There is no history: a listener registered after an emission never sees it.
// A listener removed by an earlier listener during the same emission is skipped.
package eventbus
