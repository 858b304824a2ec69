/*
Package tnt is a synchronous client for a remote tuple store speaking the
IPROTO binary protocol, plus the tuple codec it needs.

We implement:

1. Scalars and Rows, the closed set of field values a tuple can hold.

2. TupleBuilder, which encodes a tuple of a declared arity as a msgpack array.

3. Iterator, a lazy cursor over the array of tuples in a SELECT reply.

4. Conn, a session with one server: connect, space name resolution, select,
insert, replace, delete and ping.

5. Endpoint, the "tnt://host:port/space" address format used by tables.

# Technical Details

**One request in flight.**
Conn writes a request and reads the reply before returning. Replies arrive in
request order, so no pending-request map is kept. Each request carries an
increasing sync number and a reply that echoes any other number means the
session is out of step; the connection is dropped with ErrSyncMismatch.

**Space cache.**
Names are mapped to numeric ids through a per-connection cache. A miss reloads
the full space list from the system space _vspace once, and a second miss is
ErrSpaceNotFound. The cache is emptied whenever the connection is
(re)established or dropped.

**Buffers.**
An Iterator borrows the connection's reply buffer and becomes invalid once the
next request is issued. Rows copy their string and binary fields and stay
valid indefinitely.

## Failure handling

Transport failures, timeouts, unreadable packet headers and sync mismatches
drop the connection; the caller decides whether to reconnect (see
ShouldReconnect). Server errors come back as *RemoteError and leave the
connection usable, as do bodies that fail to decode, since the packet was
consumed in full.
*/
package tnt
