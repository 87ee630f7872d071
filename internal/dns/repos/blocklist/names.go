package blocklist

import (
	"slices"
	"strings"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
)

// ReverseName reverses the label order of a canonical name, so
// "ads.example.com" becomes "com.example.ads". Suffix entries are keyed this
// way in both the store and the bloom filter.
func ReverseName(name string) string {
	labels := utils.SplitLabels(name)
	slices.Reverse(labels)
	return strings.Join(labels, ".")
}

// anchors returns name and each of its parents, most specific first.
func anchors(name string) []string {
	out := []string{name}
	for {
		parent, ok := utils.ParentName(name)
		if !ok {
			return out
		}
		name = parent
		out = append(out, name)
	}
}
