// Package peer tracks the single active remote sender of an OSC listener.
//
// UDP has no accept step, so a peer is identified by its remote address. The
// first datagram from an address that is not the active peer makes it the new
// active peer; the previous one is retired and its later datagrams are refused
// until the slot is reset by a rebind.
package peer
