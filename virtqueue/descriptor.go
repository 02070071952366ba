package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	// Only allowed when the [virtio.FeatureIndirectDescriptors] feature was
	// negotiated. This implementation reserves the bit but never sets it.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that
// represents one logical buffer. Device-readable descriptors always come first
// in a chain.
//
// While a descriptor is not part of a posted chain, its next field threads it
// into the free list instead.
type Descriptor struct {
	// address is the guest-physical address of the continuous memory holding
	// the data for this descriptor. The queue memory is identity-mapped, so
	// this equals the virtual address of the buffer.
	address uint64
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this
	// descriptor chain when the [descriptorFlagHasNext] flag is set. For a
	// free descriptor it holds the index of the next free descriptor.
	next uint16
}
