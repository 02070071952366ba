package vhost

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// MemoryRegion describes a region of userspace memory which is being made
// accessible to a vhost device.
//
// Kernel name: vhost_memory_region
type MemoryRegion struct {
	// GuestPhysicalAddress is the physical address of the memory region
	// within the guest, when virtualization is used. When no virtualization
	// is used, this should be the same as UserspaceAddress.
	GuestPhysicalAddress uintptr
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uintptr
	// Padding and room for flags. Currently unused.
	_ uint64
}

// MemoryLayout is a list of [MemoryRegion]s.
type MemoryLayout []MemoryRegion

// identityRegionSize spans the whole lower half of a 48-bit address space,
// which covers every address the Go runtime will ever hand out on Linux.
// The last page is left out, as the kernel rejects regions that wrap.
const identityRegionSize = uint64(1)<<47 - 4096

// NewIdentityMemoryLayout returns a [MemoryLayout] with a single region that
// identity-maps the entire userspace address range. The device then resolves
// any guest-physical address to the same virtual address, which is what
// allows buffers anywhere in process memory (ring storage, packet fragments)
// to be referenced by descriptors directly.
func NewIdentityMemoryLayout() MemoryLayout {
	return MemoryLayout{
		{
			GuestPhysicalAddress: 0,
			Size:                 identityRegionSize,
			UserspaceAddress:     0,
		},
	}
}

// serializePayload serializes the list of memory regions into a format that
// is compatible to the vhost_memory kernel struct. The returned byte slice
// can be used as a payload for the vhostIoctlSetMemoryLayout ioctl.
func (regions MemoryLayout) serializePayload() []byte {
	regionCount := len(regions)
	regionSize := int(unsafe.Sizeof(MemoryRegion{}))
	payload := make([]byte, 8+regionCount*regionSize)

	// The first 32 bits contain the number of memory regions. The following
	// 32 bits are padding.
	binary.LittleEndian.PutUint32(payload[0:4], uint32(regionCount))

	if regionCount > 0 {
		// The underlying byte array of the slice should already have the
		// correct format, so just copy that.
		copied := copy(payload[8:], unsafe.Slice((*byte)(unsafe.Pointer(&regions[0])), regionCount*regionSize))
		if copied != regionCount*regionSize {
			panic(fmt.Sprintf("copied only %d bytes of the memory regions, but expected %d",
				copied, regionCount*regionSize))
		}
	}

	return payload
}
