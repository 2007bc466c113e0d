// Package codec implements the RIC message envelope: a three byte header
// (message number, message type + protocol id, element code) followed by
// an element-specific payload.
//
// Message numbers cycle 1..255 for request/response correlation; number 0
// marks unnumbered sends such as file blocks.
package codec
