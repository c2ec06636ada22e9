// Package hash40 computes the 40-bit CRC-based hash the L2C runtime uses to
// key agent status functions and scripted table entries.
package hash40

import "hash/crc32"

// Hash is a truncated 40-bit hash40 value, stored widened to 64 bits.
type Hash uint64

// Mask keeps only the low 40 bits of a value, matching the runtime's
// hash representation.
const Mask = (1 << 40) - 1

// Of returns hash40(s): crc32(s) with the string length packed into bits 32-39.
func Of(s string) Hash {
	return Bytes([]byte(s))
}

// Bytes is Of for a raw byte slice.
func Bytes(b []byte) Hash {
	crc := crc32.ChecksumIEEE(b)
	return Hash(uint64(crc) | (uint64(len(b))&0xFF)<<32)
}

// Truncate40 masks an arbitrary value to the low 40 bits, matching the
// representation every L2C hash variant uses on the wire.
func Truncate40(v uint64) Hash {
	return Hash(v & Mask)
}
