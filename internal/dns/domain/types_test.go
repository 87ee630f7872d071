package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRRType_StringRoundTrip(t *testing.T) {
	for typ, name := range rrTypeNames {
		assert.Equal(t, name, typ.String())
		assert.Equal(t, typ, RRTypeFromString(name))
		assert.True(t, typ.IsValid())
	}
}

func TestRRType_Unknown(t *testing.T) {
	assert.Equal(t, "TYPE65280", RRType(65280).String())
	assert.Equal(t, RRType(65280), RRTypeFromString("type65280"))
	assert.False(t, RRType(65280).IsValid())
	assert.Equal(t, RRType(0), RRTypeFromString("bogus"))
	assert.Equal(t, RRType(0), RRTypeFromString("TYPE99999"))
	assert.Equal(t, RRTypeAAAA, RRTypeFromString(" aaaa "))
}

func TestRRType_EmbedsNames(t *testing.T) {
	for _, typ := range []RRType{RRTypeNS, RRTypeCNAME, RRTypePTR, RRTypeDNAME, RRTypeMX, RRTypeSOA, RRTypeSRV} {
		assert.True(t, typ.EmbedsNames(), typ.String())
	}
	for _, typ := range []RRType{RRTypeA, RRTypeAAAA, RRTypeTXT, RRTypeOPT, RRTypeHTTPS} {
		assert.False(t, typ.EmbedsNames(), typ.String())
	}
}

func TestRRClass(t *testing.T) {
	tests := []struct {
		class RRClass
		name  string
		valid bool
	}{
		{RRClassIN, "IN", true},
		{RRClassCH, "CH", true},
		{RRClassHS, "HS", true},
		{RRClassNONE, "NONE", true},
		{RRClassANY, "ANY", true},
		{RRClass(4096), "CLASS4096", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.class.String())
			assert.Equal(t, tt.valid, tt.class.IsValid())
		})
	}
}

func TestRCode(t *testing.T) {
	assert.Equal(t, "NOERROR", RCodeNoError.String())
	assert.Equal(t, "SERVFAIL", RCodeServFail.String())
	assert.Equal(t, "NOTZONE", RCodeNotZone.String())
	assert.Equal(t, "RCODE15", RCode(15).String())
	assert.False(t, RCode(11).IsValid())

	rc, err := ParseRCode("NXDOMAIN")
	require.NoError(t, err)
	assert.Equal(t, RCodeNXDomain, rc)

	_, err = ParseRCode("WAT")
	assert.Error(t, err)
}

func TestParseUpstreamTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    UpstreamTarget
		wantErr bool
	}{
		{"1.1.1.1:53", UpstreamTarget{"1.1.1.1:53", TransportUDP}, false},
		{"udp://9.9.9.9:5353", UpstreamTarget{"9.9.9.9:5353", TransportUDP}, false},
		{"tcp://8.8.8.8:53", UpstreamTarget{"8.8.8.8:53", TransportTCP}, false},
		{"8.8.4.4", UpstreamTarget{"8.8.4.4:53", TransportUDP}, false},
		{"[2606:4700:4700::1111]:53", UpstreamTarget{"[2606:4700:4700::1111]:53", TransportUDP}, false},
		{"2606:4700:4700::1111", UpstreamTarget{"[2606:4700:4700::1111]:53", TransportUDP}, false},
		{"https://1.1.1.1", UpstreamTarget{}, true},
		{"dns.example:53", UpstreamTarget{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUpstreamTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "tcp://8.8.8.8:53", UpstreamTarget{"8.8.8.8:53", TransportTCP}.String())
}

func TestHealth_String(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "unhealthy", Unhealthy.String())
}
