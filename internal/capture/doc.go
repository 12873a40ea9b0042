// Package capture extracts UDP datagrams from pcap files so recorded OSC
// traffic can be inspected or replayed.
package capture
