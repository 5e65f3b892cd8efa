package protocol

import (
	"fmt"
	"strings"
)

// Kind is the `type` discriminant of a frame
type Kind string

// Frame kinds
const (
	KindRegister      Kind = "register"
	KindToken         Kind = "token"
	KindToolCall      Kind = "tool_call"
	KindToolCallChunk Kind = "tool_call_chunk"
	KindToolResult    Kind = "tool_result"
	KindUserRequest   Kind = "user_request" // agent echo of the request it is working on
	KindSystem        Kind = "system"       // gateway notice
	KindClientList    Kind = "client_list"  // gateway -> viewer registry snapshot
)

var kinds = []Kind{
	KindRegister,
	KindToken,
	KindToolCall,
	KindToolCallChunk,
	KindToolResult,
	KindUserRequest,
	KindSystem,
	KindClientList,
}

// Kinds returns every frame kind the codec understands.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Known reports whether k is a frame kind the codec understands.
func (k Kind) Known() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Inbound reports whether an agent may send frames of kind k.
func (k Kind) Inbound() bool {
	switch k {
	case KindRegister, KindToken, KindToolCall, KindToolCallChunk, KindToolResult, KindUserRequest:
		return true
	}
	return false
}

// ClientInfo identifies one registered agent in a client_list frame.
type ClientInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one protocol frame. Which fields are meaningful depends on Type:
//
//	register         ID (client id), Name (display name)
//	token            Content
//	user_request     Content
//	tool_call        ID, Name, Args (structured)
//	tool_call_chunk  ID, Args (opaque fragment), Name on the first chunk only
//	tool_result      ID, Result (structured or opaque)
//	system           Content
//	client_list      Clients
//
// Source is stamped by the gateway on frames fanned out to viewers.
type Message struct {
	Type    Kind
	ID      string
	Name    string
	Content string
	Args    Payload
	Result  Payload
	Clients []ClientInfo
	Source  string
}

// Register returns a register frame.
func Register(clientID, name string) Message {
	return Message{Type: KindRegister, ID: clientID, Name: name}
}

// Token returns a token frame.
func Token(content string) Message {
	return Message{Type: KindToken, Content: content}
}

// ToolCall returns a non-chunked tool_call frame.
func ToolCall(id, name string, args Payload) Message {
	return Message{Type: KindToolCall, ID: id, Name: name, Args: args}
}

// ToolCallChunk returns a tool_call_chunk frame. name should only be set on the first chunk.
func ToolCallChunk(id, name, fragment string) Message {
	return Message{Type: KindToolCallChunk, ID: id, Name: name, Args: Opaque(fragment)}
}

// ToolResult returns a tool_result frame.
func ToolResult(id string, result Payload) Message {
	return Message{Type: KindToolResult, ID: id, Result: result}
}

// System returns a system notice frame.
func System(content string) Message {
	return Message{Type: KindSystem, Content: content}
}

// ClientList returns a client_list frame.
func ClientList(clients []ClientInfo) Message {
	if clients == nil {
		clients = []ClientInfo{}
	}
	return Message{Type: KindClientList, Clients: clients}
}

// Fragment returns the argument fragment of a tool_call_chunk.
func (m Message) Fragment() string {
	return m.Args.Text()
}

// Validate checks that m carries the fields required for its kind.
func (m Message) Validate() error {
	if !m.Type.Known() {
		return Errorf(ErrMalformedMessage, m.Type, m.ID, "unknown type %q", string(m.Type))
	}
	missing := func(field string) error {
		return Errorf(ErrMalformedMessage, m.Type, m.ID, "missing %s", field)
	}
	switch m.Type {
	case KindRegister:
		if strings.TrimSpace(m.ID) == "" {
			return missing("id")
		}
	case KindToolCall:
		if m.ID == "" {
			return missing("id")
		}
		if m.Name == "" {
			return missing("name")
		}
		if !m.Args.IsStructured() {
			return Errorf(ErrMalformedMessage, m.Type, m.ID, "args must be a structured value")
		}
		if !m.Args.wellFormed() {
			return Errorf(ErrMalformedMessage, m.Type, m.ID, "args is not valid JSON")
		}
	case KindToolCallChunk:
		if m.ID == "" {
			return missing("id")
		}
		if m.Args.IsStructured() {
			return Errorf(ErrMalformedMessage, m.Type, m.ID, "args must be a string fragment")
		}
	case KindToolResult:
		if m.ID == "" {
			return missing("id")
		}
		if m.Result.IsZero() {
			return missing("result")
		}
		if !m.Result.wellFormed() {
			return Errorf(ErrMalformedMessage, m.Type, m.ID, "result is not valid JSON")
		}
	}
	return nil
}

func (m Message) String() string {
	switch m.Type {
	case KindToken, KindUserRequest, KindSystem:
		return fmt.Sprintf("%s(%q)", m.Type, m.Content)
	case KindClientList:
		return fmt.Sprintf("%s(%d)", m.Type, len(m.Clients))
	}
	return fmt.Sprintf("%s(%s)", m.Type, m.ID)
}
