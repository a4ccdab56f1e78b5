// Package substrate spawns worker processes and carries messages between a
// primary process and its workers.
//
// # Overview
//
// A worker is the current executable started again with the
// COVEN_CLUSTER_WORKER_ID environment variable set. The primary and the
// worker share two inherited pipes:
//
//	fd 3: primary -> worker
//	fd 4: worker -> primary
//
// Each direction carries length-delimited protobuf frames. A frame is a
// structpb.Struct envelope:
//
//	{ "kind": "online" | "message" | "listening" | "disconnecting", "payload": <value> }
//
// Message payloads are arbitrary structured values (nil, bool, numbers,
// strings, lists, string-keyed maps). Values structpb cannot represent
// directly are converted through their JSON encoding. Numbers always decode as
// float64.
//
// # Primary side
//
// ExecSubstrate implements Substrate:
//
//	sub := substrate.NewExec(substrate.Options{Logger: logger})
//	remove := sub.Subscribe(substrate.Listener{Online: ..., Exit: ...})
//	proc, err := sub.Fork()
//
// Signals for a process are emitted in causal order: fork, online, messages,
// disconnect, exit.
//
// # Worker side
//
//	if substrate.IsWorker() {
//	    parent, err := substrate.ConnectParent()
//	    ...
//	}
//
// ConnectParent announces the worker as online the first time it is called.
package substrate
