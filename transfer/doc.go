// Package transfer implements the raw chunked upload protocol: a size
// declaration of one target word (big endian) followed by payload
// datagrams until the declared size is reached. An empty datagram aborts
// a transfer in progress.
package transfer
