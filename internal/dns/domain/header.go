package domain

// Opcode is the 4-bit kind-of-query field of the header.
type Opcode uint8

const (
	OpcodeQuery  Opcode = 0
	OpcodeIQuery Opcode = 1
	OpcodeStatus Opcode = 2
	OpcodeNotify Opcode = 4
	OpcodeUpdate Opcode = 5
)

// Header is the fixed 12-byte DNS message header, minus the section counts,
// which are derived from the section slices when encoding.
type Header struct {
	ID                 uint16
	Response           bool
	Opcode             Opcode
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Zero               bool
	AuthenticData      bool
	CheckingDisabled   bool
	RCode              RCode
}
