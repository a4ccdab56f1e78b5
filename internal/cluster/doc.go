// Package cluster coordinates a pool of worker processes.
//
// # Overview
//
// A Primary forks workers through a process substrate, admits each one to
// its registry once the worker announces readiness, relays messages in both
// directions, and replaces workers that go away while the pool is active.
// A Worker runs inside each forked process.
//
//	primary := cluster.NewPrimary(cluster.PrimaryOptions{Logger: logger})
//	primary.After(cluster.EventAddWorker, func(e *cluster.Event) { ... })
//	primary.Fork(4)
//	...
//	<-primary.ShutDown()
//
// The same binary usually plays both roles:
//
//	if cluster.IsWorker() {
//	    w, err := cluster.NewWorker(cluster.WorkerOptions{...})
//	    ...
//	    <-w.Done()
//	    return
//	}
//
// # Events
//
// Every lifecycle transition is published as an Event in two phases: On
// observers, then the event's default action, then After observers. An On
// observer may call PreventDefault to skip the default action. Events raised
// by a default action are published completely before the outer event's After
// phase, so observers see, for example:
//
//	on workerReady, on addWorker, after addWorker, after workerReady
//	on workerExit, on fork, after fork, after workerExit
//
// Events are handled one at a time on a single goroutine per Primary or
// Worker. Events of one worker arrive in causal order: workerFork,
// workerOnline, workerMessage..., workerDisconnect, workerExit.
//
// # Readiness
//
// A worker is online once its process runs and ready once it sends the
// string "ready". Only ready workers are in the registry and visible to
// Workers, Worker, Send without destinations, and RoundRobin. NewWorker sends
// the token automatically.
//
// # Typed messages
//
// A message that is a map with a string "type" field is routed to the
// handler registered for that type in PrimaryOptions.MessageHandlers or
// WorkerOptions.MessageHandlers. Unknown or missing types are not errors;
// the message is still published to workerMessage / primaryMessage observers.
//
// # Round robin
//
// RoundRobin(tag) keeps one rotation per tag. Workers that were never
// selected under the tag are chosen first, in fork order; otherwise the
// least recently selected worker is chosen.
//
// # Failures
//
// Worker errors and exits remove the worker from the registry. An exit while
// the Primary is active forks exactly one replacement. Errors are logged and
// never returned to callers; Send reports per-destination failures as
// joined *DeliveryError values.
package cluster
