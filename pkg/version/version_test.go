package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"1.0", 1, 0},
		{"3.4", 3, 4},
		{"10.23", 10, 23},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, SpecVersion{tt.major, tt.minor}, v)
			assert.Equal(t, tt.input, v.String())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "1", "abc", "1.0.0", "1.x", "-1.0", ".1", "1."} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestCheckAPI(t *testing.T) {
	assert.NoError(t, CheckAPI(API))
	assert.NoError(t, CheckAPI("3.9"))
	assert.ErrorContains(t, CheckAPI("4.0"), "incompatible")
	assert.Error(t, CheckAPI("three"))
}

func TestALPN(t *testing.T) {
	assert.Equal(t, "notifyhub/1", ALPNProtocol(1))
	assert.Equal(t, []string{"notifyhub/1"}, SupportedALPNProtocols())

	major, err := MajorFromALPN("notifyhub/2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, major)

	for _, bad := range []string{"mqtt/1", "notifyhub/", "notifyhub/x", "h2"} {
		_, err := MajorFromALPN(bad)
		assert.Error(t, err, bad)
	}
}
