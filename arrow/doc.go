// Package arrow carries transaction batches, admission results and block
// candidates as Apache Arrow IPC streams.
//
// This package implements:
//   - Schemas for batches, results and candidates
//   - Converters between pool types and record batches
//   - IPC stream encoding and decoding
package arrow
