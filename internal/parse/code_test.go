package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachineCode(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Canonical", raw: "VC-0012", expected: "VC-0012"},
		{name: "Lower case with space", raw: "vc 12", expected: "VC-0012"},
		{name: "Hash separator", raw: "VC#12", expected: "VC-0012"},
		{name: "Surrounding whitespace", raw: "  vc-7 \n", expected: "VC-0007"},
		{name: "No separator", raw: "VC12345", expected: "VC-12345"},
		{name: "QR url path", raw: "https://rent.example.com/m/vc-12", expected: "VC-0012"},
		{name: "QR url trailing slash", raw: "https://rent.example.com/m/VC-0003/", expected: "VC-0003"},
		{name: "QR url query", raw: "https://rent.example.com/scan?code=vc%2342", expected: "VC-0042"},
		{name: "Zero", raw: "VC-0000", expectErr: true},
		{name: "Missing number", raw: "VC-", expectErr: true},
		{name: "Missing prefix", raw: "0012", expectErr: true},
		{name: "Empty", raw: "", expectErr: true},
		{name: "Garbage", raw: "hello world", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := MachineCode(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, code)
			}
		})
	}
}
