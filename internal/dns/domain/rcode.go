package domain

import "fmt"

// RCode represents a DNS response code indicating the result of a query.
type RCode uint8

const (
	RCodeNoError  RCode = 0
	RCodeFormErr  RCode = 1
	RCodeServFail RCode = 2
	RCodeNXDomain RCode = 3
	RCodeNotImp   RCode = 4
	RCodeRefused  RCode = 5
	RCodeYXDomain RCode = 6
	RCodeYXRRSet  RCode = 7
	RCodeNXRRSet  RCode = 8
	RCodeNotAuth  RCode = 9
	RCodeNotZone  RCode = 10
)

var rcodeNames = [...]string{
	"NOERROR", "FORMERR", "SERVFAIL", "NXDOMAIN", "NOTIMP", "REFUSED",
	"YXDOMAIN", "YXRRSET", "NXRRSET", "NOTAUTH", "NOTZONE",
}

// IsValid returns true if the RCode fits in the 4-bit header field and is assigned.
func (r RCode) IsValid() bool {
	return int(r) < len(rcodeNames)
}

func (r RCode) String() string {
	if r.IsValid() {
		return rcodeNames[r]
	}
	return fmt.Sprintf("RCODE%d", uint8(r))
}

// ParseRCode converts a string name to an RCode value.
func ParseRCode(s string) (RCode, error) {
	for i, n := range rcodeNames {
		if n == s {
			return RCode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown rcode %q", s)
}
