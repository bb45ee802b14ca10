package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessIdValidate(t *testing.T) {
	cases := []struct {
		name    string
		pid     ProcessId
		wantErr bool
	}{
		{"valid simple", ProcessId{Name: "chess", Package: "chess", Publisher: "sys"}, false},
		{"valid dotted publisher", ProcessId{Name: "a", Package: "b", Publisher: "uqbar.os"}, false},
		{"dot in name rejected", ProcessId{Name: "a.b", Package: "b", Publisher: "sys"}, true},
		{"dot in package rejected", ProcessId{Name: "a", Package: "b.c", Publisher: "sys"}, true},
		{"uppercase rejected", ProcessId{Name: "A", Package: "b", Publisher: "sys"}, true},
		{"empty name rejected", ProcessId{Name: "", Package: "b", Publisher: "sys"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pid.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseProcessIdRoundTrip(t *testing.T) {
	pid := ProcessId{Name: "chess", Package: "chess", Publisher: "sys.uqbar"}
	parsed, err := ParseProcessId(pid.String())
	require.NoError(t, err)
	assert.Equal(t, pid, parsed)
}

func TestParseProcessIdMalformed(t *testing.T) {
	_, err := ParseProcessId("not-enough-parts")
	assert.Error(t, err)
}

func TestValidateLabel(t *testing.T) {
	assert.NoError(t, ValidateLabel("my-label"))
	assert.Error(t, ValidateLabel("Has_Underscore"))
}

func TestAddressEqual(t *testing.T) {
	pid := ProcessId{Name: "a", Package: "b", Publisher: "c"}
	a1 := Address{Node: "node1", Process: pid}
	a2 := Address{Node: "node1", Process: pid}
	a3 := Address{Node: "node2", Process: pid}
	assert.True(t, a1.Equal(a2))
	assert.False(t, a1.Equal(a3))
}
