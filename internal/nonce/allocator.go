// Package nonce issues the per-connection extranonce1 prefixes.
//
// The 32-bit space is partitioned by instance: the low five bits of the
// instance id occupy the top five bits of the counter, the rest is a running
// sequence. Values are emitted as big-endian hex.
package nonce

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// Size is the extranonce1 width in bytes.
const Size = 4

const instanceShift = 27

// Allocator hands out extranonce1 values. It is safe for concurrent use.
type Allocator struct {
	instanceID uint32
	counter    atomic.Int64
}

// New returns an allocator for the given instance. Zero is a valid id; use
// RandomInstanceID or LoadInstanceID to pick one when none is configured.
func New(instanceID uint32) *Allocator {
	a := &Allocator{instanceID: instanceID}
	// The shift is done in 32 bits so only the low five id bits survive and
	// ids with bit 4 set start from a negative base.
	a.counter.Store(int64(int32(instanceID << instanceShift)))
	return a
}

// InstanceID returns the id the allocator was created with.
func (a *Allocator) InstanceID() uint32 {
	return a.instanceID
}

// Next returns the next extranonce1 as 8 hex characters.
//
// The sequence is not masked: after 2^27 allocations it runs into the
// instance bits. A negative base is emitted by absolute value, so those
// instances count down towards zero.
func (a *Allocator) Next() string {
	v := a.counter.Add(1) - 1
	if v < 0 {
		v = -v
	}
	var buf [Size]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return hex.EncodeToString(buf[:])
}

// RandomInstanceID reads a little-endian uint32 from crypto/rand.
func RandomInstanceID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read random instance id: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
