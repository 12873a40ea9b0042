// Package osc implements Open Sound Control 1.0 packet decoding.
// It turns raw datagrams into Message and Bundle trees, enforcing 4-byte alignment,
// recursive bundle length accounting and type-tag dispatch, and rejects malformed input.
package osc
