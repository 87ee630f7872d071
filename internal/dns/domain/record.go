package domain

import (
	"encoding/binary"
	"fmt"
)

// ResourceRecord is a single record from any message section.
// Data holds the RDATA with every embedded name fully expanded, so a record
// can be re-encoded into any message without dangling compression pointers.
type ResourceRecord struct {
	Name  string
	Type  RRType
	Class RRClass
	TTL   uint32
	Data  []byte
}

// Validate checks whether the ResourceRecord fields are structurally valid.
func (rr ResourceRecord) Validate() error {
	if len(rr.Name) > MaxNameLength {
		return fmt.Errorf("record name exceeds %d characters", MaxNameLength)
	}
	if rr.Type == 0 {
		return fmt.Errorf("record type must be set")
	}
	if len(rr.Data) > 0xFFFF {
		return fmt.Errorf("rdata too long: %d bytes", len(rr.Data))
	}
	return nil
}

// WithTTL returns a copy of the record carrying ttl.
func (rr ResourceRecord) WithTTL(ttl uint32) ResourceRecord {
	rr.TTL = ttl
	return rr
}

// Clone returns a deep copy of the record.
func (rr ResourceRecord) Clone() ResourceRecord {
	if rr.Data != nil {
		rr.Data = append([]byte(nil), rr.Data...)
	}
	return rr
}

// IsOPT reports whether the record is an EDNS pseudo-record.
func (rr ResourceRecord) IsOPT() bool {
	return rr.Type == RRTypeOPT
}

// SOAMinimum returns the MINIMUM field of an SOA record. The field is the
// last 32 bits of the RDATA once names are expanded.
func (rr ResourceRecord) SOAMinimum() (uint32, bool) {
	if rr.Type != RRTypeSOA || len(rr.Data) < 22 {
		return 0, false
	}
	return binary.BigEndian.Uint32(rr.Data[len(rr.Data)-4:]), true
}
