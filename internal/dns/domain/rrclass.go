package domain

import "fmt"

// RRClass represents a DNS class (usually IN for Internet).
type RRClass uint16

const (
	RRClassIN   RRClass = 1
	RRClassCH   RRClass = 3
	RRClassHS   RRClass = 4
	RRClassNONE RRClass = 254
	RRClassANY  RRClass = 255
)

// IsValid returns true if the RRClass is one of the known classes.
func (c RRClass) IsValid() bool {
	switch c {
	case RRClassIN, RRClassCH, RRClassHS, RRClassNONE, RRClassANY:
		return true
	}
	return false
}

func (c RRClass) String() string {
	switch c {
	case RRClassIN:
		return "IN"
	case RRClassCH:
		return "CH"
	case RRClassHS:
		return "HS"
	case RRClassNONE:
		return "NONE"
	case RRClassANY:
		return "ANY"
	}
	return fmt.Sprintf("CLASS%d", uint16(c))
}
