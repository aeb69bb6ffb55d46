// Package cluster implements the active-active control plane: the
// authenticated peer mesh, the bully leader election and the replication
// of committed cache mutations.
//
// Topology:
//
//	Each node knows a static list of peers. It listens on its cluster
//	address and dials every peer; both directions of a pair carry a
//	mutual password handshake. Correlated requests travel only on the
//	dialing side's link and are served on the receiving side, so request
//	ids never collide between directions. Once every outbound dial has
//	handshaked and every expected inbound connection is accepted, the
//	node signals node-ready and starts the election.
//
// Election:
//
//	Bully style over the mesh: a node challenges every peer with a higher
//	id; if none acknowledges within the election timeout it declares
//	itself leader and broadcasts Victory. The leader heartbeats Alive on
//	an interval; a follower that misses heartbeats for the configured
//	timeout restarts the election. Ids are unique, so the highest live id
//	always wins.
//
// Replication:
//
//	The leader ships committed mutations to its followers either
//	synchronously (blocking until every connected follower acknowledged)
//	or asynchronously (batched on an interval). Followers apply mutations
//	with the keyed lock bypassed because the leader already serialized
//	them. A follower that elects a new leader pulls a full key-by-key
//	state snapshot before signalling cluster-ready.
package cluster
