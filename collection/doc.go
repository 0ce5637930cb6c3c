// Package collection coordinates the shards of one collection.
//
// A Collection owns a hash ring routing point ids to shards and one
// replica.Set per shard, indexed by shard id. Replicas are placed on the
// peers of an explicit Topology by Placement, deterministically and evenly,
// and reached through a Connector. LocalConnector hosts every peer in the
// current process; it is what single-node deployments and tests use.
//
// Point writes are routed by id and proposed to each affected shard
// concurrently. There is no ordering across shards. Field index changes are
// broadcast to every shard in the background and tracked by an UpdateResult
// handle; Update applies partial config changes, adding or removing replicas
// when the replication factor changes.
//
// A Descriptor captures everything needed to reopen a collection. The caller
// persists it; WithOnChange reports every change.
package collection
