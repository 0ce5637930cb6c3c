// Package replica replicates one shard across peers.
//
// A Set owns the shard's WAL and one Target per replica. Propose appends an
// operation to the WAL and hands it to a per-replica worker that applies
// entries strictly in sequence order; the call returns once the write
// consistency factor is met. Replicas that fail or miss the ack timeout are
// marked Dead and recovered in the background: first by catching up from
// the WAL, and by a full transfer through a Transferer when the WAL has been
// compacted past them.
//
// Replica states:
//
//	Active    receives writes, votes, serves reads
//	Listener  receives writes, serves Any reads, never votes
//	Recovery  catching up from the WAL
//	Partial   receiving a full transfer
//	Dead      receives nothing until recovered
//
// Reads at ReadMajority and ReadAll ask every eligible replica and keep the
// highest version per point (last sequence wins). Replicas found behind are
// repaired asynchronously.
package replica
