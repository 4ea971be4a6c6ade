/*
Package blocksync implements pairwise block synchronization over persistent
peer connections.

Synchronization with a peer is a request/response exchange. We send the peer a
SyncChainSummary, a sparse list of block ids sampled from our main chain (and
the unconfirmed branch we share with that peer), roughly halving the remaining
distance at every step. The peer finds the highest id of the summary it has on
its main chain and replies with a ChainInventory: the consecutive ids that
follow it, plus the number of blocks it holds beyond the last one. The ids we
do not hold go into the peer's fetch queue.

The Syncer runs two periodic passes, each of which does nothing unless it was
armed since its last run. Fetch planning sends FetchInvData requests for the
queued ids of every idle peer, and never asks two peers for the same block at
the same time. Block application applies staged blocks strictly in the order of
each peer's queue, so blocks arriving out of order wait until their parent is
in. A third pass disconnects peers that do not answer in time.

The Reactor binds the Syncer to the p2p Switch on BlockSyncChannel. It also
serves the remote side of the exchange from the local block store.
*/
package blocksync
