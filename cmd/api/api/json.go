package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// DeserializationError marks input rejected before it reaches domain logic:
// malformed JSON, unknown fields, or values outside their wire type's range.
// Distinct from validation; nothing downstream ever sees the request.
type DeserializationError struct {
	Detail string
}

func (e *DeserializationError) Error() string {
	return "An error occurred when deserializing the json body of a request: " + e.Detail
}

// u8 decodes a JSON number into the unsigned 8-bit range, rejecting
// everything else with the offending value spelled out. Wide integers must
// die here so domain validation only ever sees in-range counts.
type u8 uint8

func (v *u8) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return &DeserializationError{Detail: fmt.Sprintf("invalid type: %s, expected u8", string(b))}
	}

	i, err := n.Int64()
	if err != nil {
		return &DeserializationError{Detail: fmt.Sprintf("invalid value: floating point `%s`, expected u8", n.String())}
	}
	if i < 0 || i > 255 {
		return &DeserializationError{Detail: fmt.Sprintf("invalid value: integer `%d`, expected u8", i)}
	}

	*v = u8(i)
	return nil
}

// decodeJSON strictly decodes the request body into v. Unknown fields and
// trailing data are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		var derr *DeserializationError
		if errors.As(err, &derr) {
			return derr
		}
		return &DeserializationError{Detail: err.Error()}
	}
	if dec.More() {
		return &DeserializationError{Detail: "trailing data after json body"}
	}
	return nil
}
