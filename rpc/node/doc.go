// Package node assembles one replication group member: the election
// acceptor and proposer from lib/election, the commit log from
// lib/commitlog, and the stream roles from rpc/feeder and rpc/acker.
// After every concluded election the node serves whichever role the
// outcome gives it and returns to campaigning when that role ends.
package node
