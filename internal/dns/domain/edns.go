package domain

// DefaultUDPSize is the payload limit for clients that do not advertise EDNS.
const DefaultUDPSize = 512

// EDNS holds the fields carried by an OPT pseudo-record (RFC 6891).
type EDNS struct {
	UDPSize       uint16
	ExtendedRCode uint8
	Version       uint8
	DNSSECOK      bool
	Options       []byte
}

// EDNSFromRecord reads the OPT fields out of rr.
func EDNSFromRecord(rr ResourceRecord) (EDNS, bool) {
	if !rr.IsOPT() {
		return EDNS{}, false
	}
	return EDNS{
		UDPSize:       uint16(rr.Class),
		ExtendedRCode: uint8(rr.TTL >> 24),
		Version:       uint8(rr.TTL >> 16),
		DNSSECOK:      rr.TTL&0x8000 != 0,
		Options:       rr.Data,
	}, true
}

// Record renders e as an OPT pseudo-record owned by the root.
func (e EDNS) Record() ResourceRecord {
	ttl := uint32(e.ExtendedRCode)<<24 | uint32(e.Version)<<16
	if e.DNSSECOK {
		ttl |= 0x8000
	}
	return ResourceRecord{
		Name:  "",
		Type:  RRTypeOPT,
		Class: RRClass(e.UDPSize),
		TTL:   ttl,
		Data:  e.Options,
	}
}

// PayloadSize returns the usable UDP payload size, never below 512.
func (e EDNS) PayloadSize() int {
	if int(e.UDPSize) < DefaultUDPSize {
		return DefaultUDPSize
	}
	return int(e.UDPSize)
}
