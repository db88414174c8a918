// Package buffer provides the thread-safe buffering primitives used
// between pipeline stages: a generic ring buffer with overflow policies,
// a fixed-window sample series for signal displays, and a one-slot
// coalescing buffer for latest-wins handoff.
//
// # Ring
//
// Ring is a fixed-capacity circular queue:
//
//	buf, err := buffer.NewRing[stream.Chunk](1024)
//	if err != nil {
//		return err
//	}
//
//	err = buf.Write(chunk)
//	chunk, ok := buf.Read()
//
// At capacity the overflow policy decides what happens:
//
//   - DropOldest: evict the oldest item to make room (default)
//   - DropNewest: discard the incoming item
//   - Block: park the writer until a reader frees a slot
//
// Block-policy writers usually bound their wait:
//
//	buf, _ := buffer.NewRing[stream.Chunk](256,
//		buffer.WithOverflowPolicy[stream.Chunk](buffer.Block),
//	)
//	err := buf.WriteWithTimeout(chunk, 5*time.Second)
//
// ReadWithContext gives consumers a blocking read that honors
// cancellation, which suits long-running pump goroutines:
//
//	for {
//		chunk, err := buf.ReadWithContext(ctx)
//		if err != nil {
//			return err
//		}
//		surface.Draw(chunk)
//	}
//
// # TimeSeries
//
// TimeSeries holds the last few seconds of a multi-channel signal for a
// display surface. The window is sized from the stream's sample rate;
// streams without a declared rate are sized at FallbackRate. Scroll mode
// presents samples oldest to newest, Sweep mode presents fixed slots with
// a wrapping cursor:
//
//	series := buffer.NewTimeSeries(8, 250, 5*time.Second, buffer.Scroll)
//	series.Push(sample.Timestamp, sample.Values)
//	view := series.Snapshot()
//
// # Latest
//
// Latest carries at most one pending item; each Put replaces the previous
// one. It decouples fast producers from consumers that only ever want the
// freshest value, such as a redraw loop:
//
//	slot := buffer.NewLatest[render.Frame]()
//	slot.Put(frame)
//
//	for range slot.Ready() {
//		if frame, ok := slot.Take(); ok {
//			surface.Present(frame)
//		}
//	}
//
// # Observability
//
// Every Ring collects Statistics with atomic counters, available through
// Stats() with no configuration. Prometheus export is opt-in:
//
//	buf, err := buffer.NewRing[stream.Chunk](1024,
//		buffer.WithMetrics[stream.Chunk](registry, "websocket_sink"),
//	)
//
// Statistics stay available without Prometheus so drop rates and peak
// sizes can be inspected in tests and health reports; the exported
// metrics carry the owning component as a label.
package buffer
