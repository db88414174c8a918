// Package errors provides classified error handling for stream-viewer.
//
// # Overview
//
// Four classes cover the failure modes of a discovery-driven viewer:
// Transient (retry), Timeout (deadline exceeded, retry with a wider bound),
// Invalid (bad input or configuration, do not retry), and Fatal (stop the
// session). Discovery failures surface as Timeout or Transient so the
// registry's refresh contract can report "timed out" and "failed" as
// distinct, recoverable conditions that leave state untouched.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// via the Wrap family. The classified wrappers stamp the class on the chain:
//
//	errors.WrapTimeout(err, "resolver", "Discover", "stream resolution")
//	errors.WrapTransient(err, "natsclient", "Connect", "dial")
//	errors.WrapInvalid(err, "plugin", "Register", "schema validation")
//
// # Classification
//
// Classify walks the chain with errors.As and falls back to sentinel
// checks; context.DeadlineExceeded and context.Canceled map to Timeout.
// Unknown errors default to Transient so unrecognized failures stay
// retryable. Use the Is* helpers for decisions:
//
//	if errors.IsTimeout(err) {
//	    // discovery exceeded its bound; registry unchanged
//	}
//
// All types interoperate with the standard library's errors.Is/As/Unwrap.
package errors
