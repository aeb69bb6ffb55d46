// Package protocol defines the wire format shared by the client protocol
// and the cluster mesh: length-prefixed frames, primitive encoders and
// decoders (fixed-width integers, LEB128-style var-uints, length-prefixed
// strings and byte vectors, tagged values), the operation code space and
// the response status byte.
//
// Buffers are pooled. Every buffer obtained from Get or GetFrame must be
// returned with Put on all exit paths, including error paths and after the
// frame has been transmitted.
package protocol
