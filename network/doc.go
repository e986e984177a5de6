// Package network relays admitted transactions between nodes over ZeroMQ.
//
// This package implements:
//   - ZmqNode: ROUTER/DEALER transport with replay protection
//   - Propagator: transaction gossip with a seen cache and retried sends
//   - NetworkService: the pool's broadcaster and inbound transaction source
package network
