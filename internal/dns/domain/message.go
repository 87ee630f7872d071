package domain

// Message is the wire-level representation of a DNS message.
type Message struct {
	Header     Header
	Questions  []Question
	Answers    []ResourceRecord
	Authority  []ResourceRecord
	Additional []ResourceRecord
}

// Question returns the first question, if any.
func (m Message) Question() (Question, bool) {
	if len(m.Questions) == 0 {
		return Question{}, false
	}
	return m.Questions[0], true
}

// EDNS returns the OPT fields of the message, if an OPT record is present.
func (m Message) EDNS() (EDNS, bool) {
	for _, rr := range m.Additional {
		if rr.IsOPT() {
			return EDNSFromRecord(rr)
		}
	}
	return EDNS{}, false
}

// WithoutOPT returns a shallow copy of m with OPT records removed from the additional section.
func (m Message) WithoutOPT() Message {
	if len(m.Additional) == 0 {
		return m
	}
	extra := make([]ResourceRecord, 0, len(m.Additional))
	for _, rr := range m.Additional {
		if !rr.IsOPT() {
			extra = append(extra, rr)
		}
	}
	m.Additional = extra
	return m
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.Questions = append([]Question(nil), m.Questions...)
	m.Answers = cloneRecords(m.Answers)
	m.Authority = cloneRecords(m.Authority)
	m.Additional = cloneRecords(m.Additional)
	return m
}

func cloneRecords(in []ResourceRecord) []ResourceRecord {
	if in == nil {
		return nil
	}
	out := make([]ResourceRecord, len(in))
	for i, rr := range in {
		out[i] = rr.Clone()
	}
	return out
}

// IsNegative reports whether the message denies the existence of the name
// (NXDOMAIN) or of the requested type (NOERROR without answers).
func (m Message) IsNegative() bool {
	switch m.Header.RCode {
	case RCodeNXDomain:
		return true
	case RCodeNoError:
		return len(m.Answers) == 0
	}
	return false
}

// MinAnswerTTL returns the smallest TTL across the answer section.
func (m Message) MinAnswerTTL() (uint32, bool) {
	var (
		min   uint32
		found bool
	)
	for _, rr := range m.Answers {
		if rr.IsOPT() {
			continue
		}
		if !found || rr.TTL < min {
			min = rr.TTL
			found = true
		}
	}
	return min, found
}

// NegativeTTL derives the negative caching TTL from the authority SOA (RFC 2308):
// the lesser of the SOA record TTL and its MINIMUM field.
func (m Message) NegativeTTL() (uint32, bool) {
	for _, rr := range m.Authority {
		minimum, ok := rr.SOAMinimum()
		if !ok {
			continue
		}
		if rr.TTL < minimum {
			return rr.TTL, true
		}
		return minimum, true
	}
	return 0, false
}
