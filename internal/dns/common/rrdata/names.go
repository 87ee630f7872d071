package rrdata

import (
	"fmt"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
)

const (
	maxLabelLength = 63
	maxWireName    = 255
)

// EncodeDomainName renders a presentation name as uncompressed wire labels.
// Empty labels are skipped and the result always ends with the root label.
func EncodeDomainName(name string) ([]byte, error) {
	name = utils.CanonicalDNSName(name)
	out := make([]byte, 0, len(name)+2)
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			continue
		}
		if len(label) > maxLabelLength {
			return nil, fmt.Errorf("label too long: %d octets", len(label))
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	out = append(out, 0)
	if len(out) > maxWireName {
		return nil, fmt.Errorf("name too long: %d octets", len(out))
	}
	return out, nil
}

// DecodeDomainName reads one uncompressed name from the start of b and
// returns it together with the number of bytes consumed.
func DecodeDomainName(b []byte) (string, int, error) {
	var labels []string
	i := 0
	for {
		if i >= len(b) {
			return "", 0, fmt.Errorf("name runs past end of rdata")
		}
		l := int(b[i])
		i++
		if l == 0 {
			return strings.Join(labels, "."), i, nil
		}
		if l > maxLabelLength {
			return "", 0, fmt.Errorf("compressed or extended label in rdata")
		}
		if i+l > len(b) {
			return "", 0, fmt.Errorf("label length exceeds rdata")
		}
		labels = append(labels, string(b[i:i+l]))
		i += l
	}
}
