// Package cluster provides the routing plane between nodes: the cluster
// registry implementations (static and KV-backed dynamic), the length-framed
// TCP transport with request correlation and heartbeats, and the envelope
// wire codec.
package cluster
