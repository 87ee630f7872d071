package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// RRType represents a DNS resource record type (e.g. A, AAAA, MX).
// See IANA DNS Parameters for assigned codes. Types without a mnemonic are
// still carried through the proxy untouched.
type RRType uint16

const (
	RRTypeA      RRType = 1
	RRTypeNS     RRType = 2
	RRTypeCNAME  RRType = 5
	RRTypeSOA    RRType = 6
	RRTypePTR    RRType = 12
	RRTypeMX     RRType = 15
	RRTypeTXT    RRType = 16
	RRTypeAAAA   RRType = 28
	RRTypeSRV    RRType = 33
	RRTypeNAPTR  RRType = 35
	RRTypeDNAME  RRType = 39
	RRTypeOPT    RRType = 41
	RRTypeDS     RRType = 43
	RRTypeRRSIG  RRType = 46
	RRTypeNSEC   RRType = 47
	RRTypeDNSKEY RRType = 48
	RRTypeTLSA   RRType = 52
	RRTypeSVCB   RRType = 64
	RRTypeHTTPS  RRType = 65
	RRTypeANY    RRType = 255
	RRTypeCAA    RRType = 257
)

var rrTypeNames = map[RRType]string{
	RRTypeA:      "A",
	RRTypeNS:     "NS",
	RRTypeCNAME:  "CNAME",
	RRTypeSOA:    "SOA",
	RRTypePTR:    "PTR",
	RRTypeMX:     "MX",
	RRTypeTXT:    "TXT",
	RRTypeAAAA:   "AAAA",
	RRTypeSRV:    "SRV",
	RRTypeNAPTR:  "NAPTR",
	RRTypeDNAME:  "DNAME",
	RRTypeOPT:    "OPT",
	RRTypeDS:     "DS",
	RRTypeRRSIG:  "RRSIG",
	RRTypeNSEC:   "NSEC",
	RRTypeDNSKEY: "DNSKEY",
	RRTypeTLSA:   "TLSA",
	RRTypeSVCB:   "SVCB",
	RRTypeHTTPS:  "HTTPS",
	RRTypeANY:    "ANY",
	RRTypeCAA:    "CAA",
}

var rrTypeByName = func() map[string]RRType {
	m := make(map[string]RRType, len(rrTypeNames))
	for t, n := range rrTypeNames {
		m[n] = t
	}
	return m
}()

// IsValid returns true if the RRType has a known mnemonic.
func (t RRType) IsValid() bool {
	_, ok := rrTypeNames[t]
	return ok
}

// String returns the mnemonic, or the RFC 3597 "TYPEnnn" form for unknown types.
func (t RRType) String() string {
	if n, ok := rrTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

// RRTypeFromString converts a mnemonic or "TYPEnnn" string to an RRType.
// It returns 0 when the input is not recognized.
func RRTypeFromString(s string) RRType {
	s = strings.ToUpper(strings.TrimSpace(s))
	if t, ok := rrTypeByName[s]; ok {
		return t
	}
	if rest, ok := strings.CutPrefix(s, "TYPE"); ok {
		if n, err := strconv.ParseUint(rest, 10, 16); err == nil {
			return RRType(n)
		}
	}
	return 0
}

// EmbedsNames reports whether the RDATA of this type carries domain names
// that may be compressed on the wire.
func (t RRType) EmbedsNames() bool {
	switch t {
	case RRTypeNS, RRTypeCNAME, RRTypePTR, RRTypeDNAME, RRTypeMX, RRTypeSOA, RRTypeSRV:
		return true
	}
	return false
}
