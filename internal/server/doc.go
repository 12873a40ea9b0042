// Package server implements the OSC UDP listener and the HTTP API endpoints.
// The listener owns one socket and one active peer at a time, decodes every
// accepted datagram and delivers the results to a Consumer on a dispatch
// goroutine. The HTTP API exposes health, statistics and listener management.
package server
