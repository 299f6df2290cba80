// Package protocol owns the TRDP wire contract.
//
// Ownership boundary:
// - frame check sequence (CRC-32) primitives
// - PD and MD header layouts and their codec
// - packet (header, payload, payload FCS) codec
//
// Every multi-byte field is big-endian except the trailing header FCS, which
// is written little-endian. Both layouts share the first 36 bytes; the message
// type decides whether the 40-byte PD layout or the 128-byte MD layout applies.
package protocol
