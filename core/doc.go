// Package core implements the actor runtime: handles, envelopes, the
// per-actor mailbox and host loop, the metrics registry, the actor system
// with its name index and routing plane, and the in-process transport.
package core
