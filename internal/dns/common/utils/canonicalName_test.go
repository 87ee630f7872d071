package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalDNSName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple domain", "example.com", "example.com"},
		{"trailing dot", "example.com.", "example.com"},
		{"multiple trailing dots", "example.com..", "example.com"},
		{"uppercase", "EXAMPLE.COM", "example.com"},
		{"mixed case and whitespace", "  WwW.ExAmPlE.CoM.  ", "www.example.com"},
		{"tabs", "\t example.com \t", "example.com"},
		{"root", ".", ""},
		{"root with whitespace", " . ", ""},
		{"empty", "", ""},
		{"whitespace only", " \n \t ", ""},
		{"single label", " LOCALHOST ", "localhost"},
		{"punycode", "xn--nxasmq6b.xn--j6w193g", "xn--nxasmq6b.xn--j6w193g"},
		{"escaped final dot kept", `A\.`, `a\.`},
		{"escaped dot then root", `a\..`, `a\.`},
		{"escaped backslash before root dot", `a\\.`, `a\\`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalDNSName(tt.input))
		})
	}
}

func TestCanonicalDNSName_Idempotent(t *testing.T) {
	for _, input := range []string{"example.com", "EXAMPLE.COM.", "  www.example.com  ", "."} {
		first := CanonicalDNSName(input)
		assert.Equal(t, first, CanonicalDNSName(first), "input %q", input)
	}
}

func TestIsSubdomainOf(t *testing.T) {
	tests := []struct {
		name   string
		child  string
		parent string
		want   bool
	}{
		{"equal", "example.com", "example.com", true},
		{"direct child", "www.example.com", "example.com", true},
		{"deep child", "a.b.c.example.com", "example.com", true},
		{"label boundary", "badexample.com", "example.com", false},
		{"unrelated", "example.org", "example.com", false},
		{"parent is root", "example.com", "", true},
		{"child shorter", "com", "example.com", false},
		{"escaped dot is not a boundary", `ads\.example.com`, "example.com", false},
		{"escaped dot inside child label", `a\.b.example.com`, "example.com", true},
		{"escaped backslash before boundary", `a\\.example.com`, "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSubdomainOf(tt.child, tt.parent))
		})
	}
}

func TestSplitLabels(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "localhost", []string{"localhost"}},
		{"plain", "www.example.com", []string{"www", "example", "com"}},
		{"escaped dot", `a\.b.com`, []string{`a\.b`, "com"}},
		{"escaped backslash", `a\\.com`, []string{`a\\`, "com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitLabels(tt.input))
		})
	}
}

func TestParentName(t *testing.T) {
	parent, ok := ParentName("www.example.com")
	assert.True(t, ok)
	assert.Equal(t, "example.com", parent)

	parent, ok = ParentName(`a\.b.com`)
	assert.True(t, ok)
	assert.Equal(t, "com", parent)

	_, ok = ParentName(`a\.b`)
	assert.False(t, ok, "escaped dot does not separate labels")
	_, ok = ParentName("com")
	assert.False(t, ok)
}
