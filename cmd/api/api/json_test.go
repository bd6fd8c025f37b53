package api

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, body string) (hotplugRequest, error) {
	t.Helper()
	r := httptest.NewRequest("PUT", "/machines/x/hotplug/vcpus", strings.NewReader(body))
	var req hotplugRequest
	err := decodeJSON(r, &req)
	return req, err
}

func TestDecodeHotplugRequest(t *testing.T) {
	req, err := decodeBody(t, `{"add": 4}`)
	require.NoError(t, err)
	require.NotNil(t, req.Add)
	assert.Equal(t, u8(4), *req.Add)
}

func TestDecodeRejectsOutOfRangeIntegers(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"too large",
			`{"add": 256}`,
			"An error occurred when deserializing the json body of a request: invalid value: integer `256`, expected u8",
		},
		{
			"negative",
			`{"add": -2}`,
			"An error occurred when deserializing the json body of a request: invalid value: integer `-2`, expected u8",
		},
		{
			"huge",
			`{"add": 4294967296}`,
			"An error occurred when deserializing the json body of a request: invalid value: integer `4294967296`, expected u8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeBody(t, tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestDecodeRejectsFloats(t *testing.T) {
	_, err := decodeBody(t, `{"add": 1.5}`)
	require.Error(t, err)
	assert.Equal(t,
		"An error occurred when deserializing the json body of a request: invalid value: floating point `1.5`, expected u8",
		err.Error())
}

func TestDecodeRejectsWrongTypes(t *testing.T) {
	for _, body := range []string{`{"add": "three"}`, `{"add": true}`, `{"add": [1]}`} {
		_, err := decodeBody(t, body)
		var derr *DeserializationError
		require.ErrorAs(t, err, &derr, "body %s", body)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decodeBody(t, `{"add": 1, "sub": 2}`)
	var derr *DeserializationError
	require.ErrorAs(t, err, &derr)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := decodeBody(t, `{"add": 1}{"add": 2}`)
	var derr *DeserializationError
	require.ErrorAs(t, err, &derr)
}
