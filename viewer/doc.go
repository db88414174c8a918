// Package viewer assembles a complete viewing session from the toolkit's
// parts: a stream registry fed by a discovery backend, an effective-rate
// monitor, renderer adapters for opened streams, and the configured sink
// surfaces.
//
// A Session is built from a config.Config, prepared with Initialize, and
// driven with Start/Stop. Refreshes run on the session's own goroutine:
// operator refresh requests and the optional periodic timer both feed one
// coalescing trigger, and a token-bucket limiter keeps request storms from
// turning into discovery storms. The registry's own in-flight suppression
// stays the last line of defense; the session simply never needs it.
//
// Opening a stream pairs a data-mode source with a formatter chosen from
// the stream's channel format and pumps frames to every enabled surface.
// Rows that disappear from the registry take their renderers down with
// them.
package viewer
