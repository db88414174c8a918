// Package testutil provides shared fakes for tests across the viewer:
// a scriptable discovery port, a recording registry observer, a capturing
// render surface, and a hand-driven source. All fakes are safe for
// concurrent use; none reach the network. Containerized NATS helpers live
// in natsclient, next to the client they serve.
package testutil
