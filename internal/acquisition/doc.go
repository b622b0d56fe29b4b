// Package acquisition runs the background telemetry loop for an RF
// generator.
//
// A Poller reads forward, reflected and absorbed power plus frequency at a
// fixed interval and publishes each result as an immutable Snapshot. Data
// returns the latest Snapshot without waiting on the loop. Failed reads are
// logged and the previous value of that quantity is carried forward; a
// failing device never stops the loop.
//
// Lifecycle:
//
//	p, _ := acquisition.New(gen, acquisition.Config{Interval: time.Second})
//	p.Start(ctx)   // spawns one loop and enables RF output
//	...
//	p.Stop()       // returns once the loop has exited
//	gen.Close()
package acquisition
