// Package protocol defines the WebSocket message protocol between client and
// server, and the wire encoding for adopted.Operation/adopted.Request values
// that ride inside it.
package protocol

import (
	"encoding/json"
	"fmt"

	"infinote/pkg/adopted"
)

// UserInfo represents a connected user's display information.
type UserInfo struct {
	Name string `json:"name"` // Display name
	Hue  uint32 `json:"hue"`  // Color hue (0-359)
}

// CursorData represents a user's cursor positions and selections.
type CursorData struct {
	Cursors    []uint32    `json:"cursors"`    // Cursor positions (Unicode codepoint offsets)
	Selections [][2]uint32 `json:"selections"` // Selection ranges [start, end]
}

// OpWire is the wire encoding of an adopted.Operation: a tagged variant
// mirroring the closed sum type itself rather than a generic polymorphic
// envelope, so the JSON shape stays self-describing without a separate type
// registry. First/Second recurse for Split.
type OpWire struct {
	Tag     string  `json:"tag"`               // "Insert" | "Delete" | "ReversibleDelete" | "Move" | "NoOp" | "Split"
	Pos     int     `json:"pos,omitempty"`
	Len     int     `json:"len,omitempty"`
	Author  uint64  `json:"author,omitempty"`
	Text    string  `json:"text,omitempty"`
	User    uint64  `json:"user,omitempty"`
	From    int     `json:"from,omitempty"`
	To      int     `json:"to,omitempty"`
	First   *OpWire `json:"first,omitempty"`
	Second  *OpWire `json:"second,omitempty"`
}

// EncodeOp converts an adopted.Operation into its wire form.
func EncodeOp(op adopted.Operation) OpWire {
	switch o := op.(type) {
	case adopted.Insert:
		return OpWire{Tag: "Insert", Pos: o.Pos, Author: o.Payload.Author, Text: o.Payload.Text}
	case adopted.Delete:
		return OpWire{Tag: "Delete", Pos: o.Pos, Len: o.Len}
	case adopted.ReversibleDelete:
		return OpWire{Tag: "ReversibleDelete", Pos: o.Pos, Author: o.Payload.Author, Text: o.Payload.Text}
	case adopted.Move:
		return OpWire{Tag: "Move", User: o.User, From: o.From, To: o.To}
	case adopted.Split:
		first := EncodeOp(o.First)
		second := EncodeOp(o.Second)
		return OpWire{Tag: "Split", First: &first, Second: &second}
	default:
		return OpWire{Tag: "NoOp"}
	}
}

// DecodeOp reconstructs the adopted.Operation w encodes.
func DecodeOp(w OpWire) (adopted.Operation, error) {
	switch w.Tag {
	case "Insert":
		return adopted.Insert{Pos: w.Pos, Payload: adopted.Segment{Author: w.Author, Text: w.Text}}, nil
	case "Delete":
		return adopted.Delete{Pos: w.Pos, Len: w.Len}, nil
	case "ReversibleDelete":
		return adopted.ReversibleDelete{Pos: w.Pos, Payload: adopted.Segment{Author: w.Author, Text: w.Text}}, nil
	case "Move":
		return adopted.Move{User: w.User, From: w.From, To: w.To}, nil
	case "NoOp", "":
		return adopted.NoOp{}, nil
	case "Split":
		if w.First == nil || w.Second == nil {
			return nil, fmt.Errorf("protocol: Split operation missing first/second")
		}
		first, err := DecodeOp(*w.First)
		if err != nil {
			return nil, err
		}
		second, err := DecodeOp(*w.Second)
		if err != nil {
			return nil, err
		}
		return adopted.Split{First: first, Second: second}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown operation tag %q", w.Tag)
	}
}

// RequestWire is the wire encoding of an adopted.Request: the vector rides
// as its canonical "u:c;u:c" string so the same representation that's
// persisted to the session record is what crosses the wire.
type RequestWire struct {
	UserID      uint64 `json:"user_id"`
	Vector      string `json:"vector"`
	Operation   OpWire `json:"operation"`
	Kind        string `json:"kind"`
	TargetIndex int    `json:"target_index,omitempty"`
}

// EncodeRequest converts req into its wire form.
func EncodeRequest(req adopted.Request) RequestWire {
	return RequestWire{
		UserID:      req.UserID,
		Vector:      req.Vector.String(),
		Operation:   EncodeOp(req.Operation),
		Kind:        req.Kind.String(),
		TargetIndex: req.TargetIndex,
	}
}

// DecodeRequest reconstructs the adopted.Request w encodes.
func DecodeRequest(w RequestWire) (adopted.Request, error) {
	vector, err := adopted.ParseVector(w.Vector)
	if err != nil {
		return adopted.Request{}, err
	}
	op, err := DecodeOp(w.Operation)
	if err != nil {
		return adopted.Request{}, err
	}
	kind, err := parseKind(w.Kind)
	if err != nil {
		return adopted.Request{}, err
	}
	return adopted.Request{
		UserID:      w.UserID,
		Vector:      vector,
		Operation:   op,
		Kind:        kind,
		TargetIndex: w.TargetIndex,
	}, nil
}

func parseKind(s string) (adopted.Kind, error) {
	switch s {
	case "Do", "":
		return adopted.Do, nil
	case "Undo":
		return adopted.Undo, nil
	case "Redo":
		return adopted.Redo, nil
	default:
		return adopted.Do, fmt.Errorf("protocol: unknown request kind %q", s)
	}
}

// EditMsg is a local edit submitted by a client: the operation it generated
// against the state vector it held at the time, mirroring adopted.Request's
// Do-shaped fields.
type EditMsg struct {
	Vector    string `json:"vector"`
	Operation OpWire `json:"operation"`
}

// UndoMsg asks the server to undo the client's most recent live edit group.
type UndoMsg struct{}

// RedoMsg asks the server to redo the client's most recently undone group.
type RedoMsg struct{}

// ClientMsg represents messages sent from client to server.
// Only one field should be set per message (tagged union pattern).
type ClientMsg struct {
	Edit        *EditMsg    `json:"Edit,omitempty"`
	Undo        *UndoMsg    `json:"Undo,omitempty"`
	Redo        *RedoMsg    `json:"Redo,omitempty"`
	SetLanguage *string     `json:"SetLanguage,omitempty"`
	ClientInfo  *UserInfo   `json:"ClientInfo,omitempty"`
	CursorData  *CursorData `json:"CursorData,omitempty"`
}

// ServerMsg represents messages sent from server to client.
// Only one field should be set per message (tagged union pattern).
type ServerMsg struct {
	Identity   *uint64        `json:"Identity,omitempty"`
	History    *HistoryMsg    `json:"History,omitempty"`
	Language   *LanguageMsg   `json:"Language,omitempty"`
	UserInfo   *UserInfoMsg   `json:"UserInfo,omitempty"`
	UserCursor *UserCursorMsg `json:"UserCursor,omitempty"`
	OTP        *OTPMsg        `json:"OTP,omitempty"`
	Error      *string        `json:"Error,omitempty"`
}

// HistoryMsg sends a batch of requests, in application order, to the client.
type HistoryMsg struct {
	Start    int           `json:"start"`
	Requests []RequestWire `json:"requests"`
}

// UserInfoMsg broadcasts user connection/disconnection events.
type UserInfoMsg struct {
	ID   uint64    `json:"id"`
	Info *UserInfo `json:"info,omitempty"`
}

// UserCursorMsg broadcasts cursor position updates.
type UserCursorMsg struct {
	ID   uint64     `json:"id"`
	Data CursorData `json:"data"`
}

// LanguageMsg broadcasts language changes to all clients.
type LanguageMsg struct {
	Language string `json:"language"`
	UserID   uint64 `json:"user_id"`
	UserName string `json:"user_name"`
}

// OTPMsg broadcasts OTP changes to authenticated clients.
type OTPMsg struct {
	OTP      *string `json:"otp"`
	UserID   uint64  `json:"user_id"`
	UserName string  `json:"user_name"`
}

// MarshalJSON implements custom JSON marshaling for ServerMsg, so the
// encoded object only ever carries the one field that's actually set.
func (m *ServerMsg) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})

	switch {
	case m.Identity != nil:
		result["Identity"] = *m.Identity
	case m.History != nil:
		result["History"] = m.History
	case m.Language != nil:
		result["Language"] = m.Language
	case m.UserInfo != nil:
		result["UserInfo"] = m.UserInfo
	case m.UserCursor != nil:
		result["UserCursor"] = m.UserCursor
	case m.OTP != nil:
		result["OTP"] = m.OTP
	case m.Error != nil:
		result["Error"] = *m.Error
	}

	return json.Marshal(result)
}

// UnmarshalJSON implements custom JSON unmarshaling for ClientMsg.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["Edit"]; ok {
		var edit EditMsg
		if err := json.Unmarshal(v, &edit); err != nil {
			return err
		}
		m.Edit = &edit
	}
	if _, ok := raw["Undo"]; ok {
		m.Undo = &UndoMsg{}
	}
	if _, ok := raw["Redo"]; ok {
		m.Redo = &RedoMsg{}
	}
	if v, ok := raw["SetLanguage"]; ok {
		var lang string
		if err := json.Unmarshal(v, &lang); err != nil {
			return err
		}
		m.SetLanguage = &lang
	}
	if v, ok := raw["ClientInfo"]; ok {
		var info UserInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return err
		}
		m.ClientInfo = &info
	}
	if v, ok := raw["CursorData"]; ok {
		var cursor CursorData
		if err := json.Unmarshal(v, &cursor); err != nil {
			return err
		}
		m.CursorData = &cursor
	}

	return nil
}

// Helper constructors for server messages.

func NewIdentityMsg(id uint64) *ServerMsg { return &ServerMsg{Identity: &id} }

func NewHistoryMsg(start int, reqs []RequestWire) *ServerMsg {
	return &ServerMsg{History: &HistoryMsg{Start: start, Requests: reqs}}
}

func NewLanguageMsg(lang string, userID uint64, userName string) *ServerMsg {
	return &ServerMsg{Language: &LanguageMsg{Language: lang, UserID: userID, UserName: userName}}
}

func NewUserInfoMsg(id uint64, info *UserInfo) *ServerMsg {
	return &ServerMsg{UserInfo: &UserInfoMsg{ID: id, Info: info}}
}

func NewUserCursorMsg(id uint64, data CursorData) *ServerMsg {
	return &ServerMsg{UserCursor: &UserCursorMsg{ID: id, Data: data}}
}

func NewOTPMsg(otp *string, userID uint64, userName string) *ServerMsg {
	return &ServerMsg{OTP: &OTPMsg{OTP: otp, UserID: userID, UserName: userName}}
}

func NewErrorMsg(msg string) *ServerMsg { return &ServerMsg{Error: &msg} }
