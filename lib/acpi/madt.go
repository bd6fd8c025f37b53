// Package acpi builds the ACPI structures the hotplug subsystem needs: the
// MADT describing the machine's interrupt controllers and CPUs, and the
// Generic Event Device that tells a running guest about hot-added CPUs.
package acpi

import (
	"encoding/binary"
	"fmt"
)

const (
	// Local APIC entry flags, ACPI 6.5 table 5.47.
	lapicEnabled       = 1 << 0
	lapicOnlineCapable = 1 << 1

	sdtHeaderLen  = 36
	madtHeaderLen = sdtHeaderLen + 8 // + local APIC base address + flags
	lapicEntryLen = 8
	ioapicLen     = 12

	madtRevision = 6

	// DefaultIoapicAddr is the conventional IOAPIC MMIO base.
	DefaultIoapicAddr = 0xFEC0_0000
)

var (
	oemID      = [6]byte{'T', 'I', 'N', 'Y', 'V', 'M'}
	oemTableID = [8]byte{'T', 'V', 'M', 'M', 'M', 'A', 'D', 'T'}
)

// Madt is the Multiple APIC Description Table for one machine. Every
// possible vCPU up to the machine's capacity gets a Local APIC entry at
// boot: the ones backing live vCPUs are flagged enabled, the rest
// online-capable so the guest's hot-add driver will accept them later.
// That is what makes hotplug work without patching guest memory per slot.
type Madt struct {
	lapicBase  uint32
	ioapicAddr uint32
	entries    []byte
}

// NewMadt lays out a MADT for a machine with bootCPUs live vCPUs out of
// maxCPUs possible ones.
func NewMadt(bootCPUs, maxCPUs uint8) (*Madt, error) {
	if bootCPUs == 0 || bootCPUs > maxCPUs {
		return nil, fmt.Errorf("invalid cpu counts: boot %d, max %d", bootCPUs, maxCPUs)
	}

	m := &Madt{
		lapicBase:  0xFEE0_0000,
		ioapicAddr: DefaultIoapicAddr,
	}

	for id := uint8(0); id < maxCPUs; id++ {
		m.entries = append(m.entries, localAPIC(id, id < bootCPUs)...)
	}
	m.entries = append(m.entries, ioapic(maxCPUs, m.ioapicAddr)...)

	return m, nil
}

// localAPIC encodes one Processor Local APIC entry. Processor UID and APIC
// ID both equal the vCPU ordinal.
func localAPIC(cpuID uint8, enabled bool) []byte {
	flags := uint32(lapicOnlineCapable)
	if enabled {
		flags = lapicEnabled
	}

	b := make([]byte, lapicEntryLen)
	b[0] = 0 // type: Processor Local APIC
	b[1] = lapicEntryLen
	b[2] = cpuID
	b[3] = cpuID
	binary.LittleEndian.PutUint32(b[4:], flags)
	return b
}

// ioapic encodes the IO APIC entry.
func ioapic(id uint8, addr uint32) []byte {
	b := make([]byte, ioapicLen)
	b[0] = 1 // type: I/O APIC
	b[1] = ioapicLen
	b[2] = id
	binary.LittleEndian.PutUint32(b[4:], addr)
	binary.LittleEndian.PutUint32(b[8:], 0) // GSI base
	return b
}

// Bytes serializes the table, header first, with a valid checksum.
func (m *Madt) Bytes() []byte {
	length := madtHeaderLen + len(m.entries)
	b := make([]byte, 0, length)

	hdr := make([]byte, sdtHeaderLen)
	copy(hdr[0:4], "APIC")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(length))
	hdr[8] = madtRevision
	// hdr[9] is the checksum, patched below.
	copy(hdr[10:16], oemID[:])
	copy(hdr[16:24], oemTableID[:])
	binary.LittleEndian.PutUint32(hdr[24:], 1)                // OEM revision
	copy(hdr[28:32], "TVMM")                                  // creator ID
	binary.LittleEndian.PutUint32(hdr[32:], 1)                // creator revision
	b = append(b, hdr...)

	flags := make([]byte, 8)
	binary.LittleEndian.PutUint32(flags[0:], m.lapicBase)
	binary.LittleEndian.PutUint32(flags[4:], 1) // PCAT_COMPAT
	b = append(b, flags...)

	b = append(b, m.entries...)

	b[9] = checksum(b)
	return b
}

// WriteTo copies the serialized table into guest memory at offset.
func (m *Madt) WriteTo(mem []byte, offset int) error {
	b := m.Bytes()
	if offset < 0 || offset+len(b) > len(mem) {
		return fmt.Errorf("madt does not fit at offset %#x", offset)
	}
	copy(mem[offset:], b)
	return nil
}

// checksum returns the byte that makes the table sum to zero mod 256.
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return byte(0x100 - uint16(sum))
}
