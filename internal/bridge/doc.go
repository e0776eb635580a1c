// Package bridge runs the TCP node port: newline-delimited JSON frames,
// token or interactive pairing, RPC dispatch on behalf of nodes, and
// server-to-node command invocation with correlated replies.
package bridge
