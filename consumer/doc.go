// Package consumer implements the group consumer runtime. A Runner, once it
// has joined the group through its GroupCoordinator, runs two loops: one
// sends heartbeats, the other (the FetchManager) fetches batches from the
// assigned partitions and hands them to a BatchHandler, one at a time or up
// to Config.Concurrency in parallel.
//
// Each batch comes wrapped in a Delivery, through which the handler reports
// progress: offsets are "resolved" as messages are processed, and committed
// either automatically after each batch (Config.AutoCommit, gated by the
// coordinator's commit interval and threshold) or by the handler.
//
// The logic for handling errors is in Runner.recover. Errors meaning the
// group is rebalancing make the Runner stop both loops, wait for the batches
// in flight, rejoin the group, and start the loops again. Retriable errors
// are retried after a heartbeat and a backoff. Everything else, and
// retriable errors once the retries run out, crash the Runner: both loops
// stop and OnCrash is called.
package consumer
