package protocol

import (
	"bytes"
	"encoding/json"
	"io"
)

// inboundFrame is the decode shape of every frame kind.
type inboundFrame struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Content string          `json:"content"`
	Args    json.RawMessage `json:"args"`
	Result  json.RawMessage `json:"result"`
	Clients []ClientInfo    `json:"clients"`
	Source  string          `json:"source"`
}

// outboundFrame is the encode shape; only the fields of the frame's kind are set.
type outboundFrame struct {
	Type    Kind          `json:"type"`
	ID      *string       `json:"id,omitempty"`
	Name    *string       `json:"name,omitempty"`
	Content *string       `json:"content,omitempty"`
	Args    *Payload      `json:"args,omitempty"`
	Result  *Payload      `json:"result,omitempty"`
	Clients *[]ClientInfo `json:"clients,omitempty"`
	Source  string        `json:"source,omitempty"`
}

// Decode parses and validates one frame. Unknown fields are ignored. Every failure
// is an *Error wrapping ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return Message{}, Errorf(ErrMalformedMessage, "", "", "invalid JSON: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Message{}, Errorf(ErrMalformedMessage, "", "", "trailing data after frame")
	}

	obj, ok := generic.(map[string]interface{})
	if !ok {
		return Message{}, Errorf(ErrMalformedMessage, "", "", "frame is not an object")
	}
	kind, _ := obj["type"].(string)
	id, _ := obj["id"].(string)

	if err := validateFrame(Kind(kind), generic); err != nil {
		return Message{}, &Error{Kind: Kind(kind), InvocationID: id, Description: err.Error(), Err: ErrMalformedMessage}
	}

	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, &Error{Kind: Kind(kind), InvocationID: id, Description: err.Error(), Err: ErrMalformedMessage}
	}

	m := Message{Type: in.Type, Source: in.Source}
	switch in.Type {
	case KindRegister:
		m.ID, m.Name = in.ID, in.Name
	case KindToken, KindUserRequest, KindSystem:
		m.Content = in.Content
	case KindToolCall:
		m.ID, m.Name = in.ID, in.Name
		m.Args = Structured(in.Args)
	case KindToolCallChunk:
		m.ID, m.Name = in.ID, in.Name
		var fragment string
		if err := json.Unmarshal(in.Args, &fragment); err != nil {
			return Message{}, Errorf(ErrMalformedMessage, in.Type, in.ID, "args must be a string fragment")
		}
		m.Args = Opaque(fragment)
	case KindToolResult:
		m.ID = in.ID
		m.Result = Structured(in.Result)
	case KindClientList:
		m.Clients = in.Clients
		if m.Clients == nil {
			m.Clients = []ClientInfo{}
		}
	}
	return m, nil
}

// Encode serializes m. It fails only if m is not a well formed message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	out := outboundFrame{Type: m.Type, Source: m.Source}
	switch m.Type {
	case KindRegister:
		out.ID, out.Name = &m.ID, &m.Name
	case KindToken, KindUserRequest, KindSystem:
		out.Content = &m.Content
	case KindToolCall:
		out.ID, out.Name = &m.ID, &m.Name
		out.Args = &m.Args
	case KindToolCallChunk:
		out.ID = &m.ID
		if m.Name != "" {
			out.Name = &m.Name
		}
		fragment := Opaque(m.Args.Text())
		out.Args = &fragment
	case KindToolResult:
		out.ID = &m.ID
		out.Result = &m.Result
	case KindClientList:
		clients := m.Clients
		if clients == nil {
			clients = []ClientInfo{}
		}
		out.Clients = &clients
	}
	return json.Marshal(out)
}
