/*
Package kafkaconsumer implements a group coordinated kafka consumer on top
of the builder, coordinator, and consumer packages. It joins a consumer
group, fetches batches from the partitions assigned to it, and hands them
to an application BatchHandler, committing offsets as they are resolved.

The Consumer in this package wires all the parts from a single Config and
is what most applications want. Use the consumer.Runner directly for
custom group coordinators, and the coordinator package for lower level
control of fetching and committing.

	c, err := kafkaconsumer.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		...
	}
	err = c.Run(ctx, consumer.EachMessage(func(ctx context.Context, r *batch.Record) error {
		...
	}))

Run returns when ctx is cancelled, when Stop is called, or when the runner
crashes. On a clean stop resolved offsets are committed and the member
leaves the group.
*/
package kafkaconsumer
