package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
)

type payloadForm int

const (
	formNone payloadForm = iota
	formStructured
	formOpaque
)

// Payload holds tool arguments or results. It is either a structured JSON value
// or an opaque string; the zero value is an absent payload.
type Payload struct {
	form payloadForm
	raw  json.RawMessage
	text string
}

// Structured returns a Payload holding the JSON value raw. A raw JSON string is stored
// as an Opaque payload.
func Structured(raw json.RawMessage) Payload {
	var p Payload
	if err := p.UnmarshalJSON(raw); err != nil {
		return Payload{form: formStructured, raw: append(json.RawMessage(nil), raw...)}
	}
	return p
}

// StructuredValue marshals v and returns it as a Payload.
func StructuredValue(v interface{}) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return Structured(raw), nil
}

// Opaque returns a Payload holding the string text.
func Opaque(text string) Payload {
	return Payload{form: formOpaque, text: text}
}

// IsZero reports whether the payload is absent.
func (p Payload) IsZero() bool { return p.form == formNone }

// IsStructured reports whether the payload is a structured JSON value.
func (p Payload) IsStructured() bool { return p.form == formStructured }

// IsOpaque reports whether the payload is an opaque string.
func (p Payload) IsOpaque() bool { return p.form == formOpaque }

// wellFormed reports whether a structured payload holds valid JSON. Other forms are always well formed.
func (p Payload) wellFormed() bool {
	return p.form != formStructured || json.Valid(p.raw)
}

// Raw returns the JSON encoding of a structured payload, or nil.
func (p Payload) Raw() json.RawMessage {
	if p.form != formStructured {
		return nil
	}
	return p.raw
}

// Text returns the string of an opaque payload, or "".
func (p Payload) Text() string {
	return p.text
}

// Decode unmarshals a structured payload into v.
func (p Payload) Decode(v interface{}) error {
	if p.form != formStructured {
		return errors.New("protocol: payload is not structured")
	}
	return json.Unmarshal(p.raw, v)
}

// Equal reports whether p and o hold the same form and semantically equal values.
func (p Payload) Equal(o Payload) bool {
	if p.form != o.form {
		return false
	}
	switch p.form {
	case formOpaque:
		return p.text == o.text
	case formStructured:
		var a, b interface{}
		if json.Unmarshal(p.raw, &a) != nil || json.Unmarshal(o.raw, &b) != nil {
			return bytes.Equal(p.raw, o.raw)
		}
		return reflect.DeepEqual(a, b)
	}
	return true
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.form {
	case formStructured:
		return p.raw, nil
	case formOpaque:
		return json.Marshal(p.text)
	}
	return []byte("null"), nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("protocol: empty payload")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Opaque(s)
		return nil
	}
	if !json.Valid(data) {
		return errors.New("protocol: invalid payload JSON")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*p = Payload{form: formStructured, raw: buf.Bytes()}
	return nil
}
