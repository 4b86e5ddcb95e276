package lsp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSONRPCVersion is the protocol version carried by every message.
const JSONRPCVersion = "2.0"

// Kind discriminates the three JSON-RPC message shapes.
type Kind int

const (
	// KindRequest has an id and a method and expects a response.
	KindRequest Kind = iota + 1
	// KindResponse has an id and either a result or an error.
	KindResponse
	// KindNotification has a method but no id.
	KindNotification
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type idKind uint8

const (
	idAbsent idKind = iota
	idNumber
	idString
	idNull
)

// ID is a JSON-RPC request id: an integer, a string, or null.
//
// Numeric ids keep their literal text so values outside the int64 and float64
// ranges survive a round trip unchanged. ID is comparable and can be used as a
// map key.
type ID struct {
	kind  idKind
	value string
}

// NumberID returns a numeric id.
func NumberID(n int64) ID {
	return ID{kind: idNumber, value: strconv.FormatInt(n, 10)}
}

// StringID returns a string id.
func StringID(s string) ID {
	return ID{kind: idString, value: s}
}

// NullID returns the null id used by error responses to unparseable requests.
func NullID() ID {
	return ID{kind: idNull}
}

// ParseNumberID returns a numeric id from an integer literal of any size.
func ParseNumberID(literal string) (ID, error) {
	if !isIntegerLiteral(literal) {
		return ID{}, fmt.Errorf("invalid integer id %q", literal)
	}
	return ID{kind: idNumber, value: literal}, nil
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return id.kind == idAbsent }

// IsNull reports whether the id is JSON null.
func (id ID) IsNull() bool { return id.kind == idNull }

// IsNumber reports whether the id is numeric.
func (id ID) IsNumber() bool { return id.kind == idNumber }

// IsString reports whether the id is a string.
func (id ID) IsString() bool { return id.kind == idString }

// Int64 returns the numeric value when it fits in an int64.
func (id ID) Int64() (int64, bool) {
	if id.kind != idNumber {
		return 0, false
	}
	n, err := strconv.ParseInt(id.value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the id as it appears in logs.
func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return id.value
	case idString:
		return strconv.Quote(id.value)
	case idNull:
		return "null"
	default:
		return "<none>"
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.kind == idAbsent {
		return nil, errors.New("lsp: marshal of absent id")
	}
	return id.raw(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("lsp: invalid id JSON")
	}
	parsed, err := parseID(gjson.ParseBytes(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) raw() []byte {
	switch id.kind {
	case idNumber:
		return []byte(id.value)
	case idString:
		b, _ := json.Marshal(id.value)
		return b
	default:
		return []byte("null")
	}
}

func parseID(r gjson.Result) (ID, error) {
	switch r.Type {
	case gjson.Number:
		return ParseNumberID(r.Raw)
	case gjson.String:
		return StringID(r.Str), nil
	case gjson.Null:
		return NullID(), nil
	default:
		return ID{}, fmt.Errorf("id must be an integer, string or null, got %s", r.Raw)
	}
}

func isIntegerLiteral(s string) bool {
	if s == "" {
		return false
	}
	digits := s
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

// Message is one decoded JSON-RPC message.
//
// Params, Result and Error.Data hold raw JSON exactly as received or as
// supplied by the caller.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// NewRequest builds a request message, marshaling params when they are not raw JSON.
func NewRequest(id ID, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds a success response.
func NewResponse(id ID, result any) (Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return Message{}, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, rpcErr *RPCError) Message {
	return Message{Kind: KindResponse, ID: id, Error: rpcErr}
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// Encode serializes a message into a JSON-RPC 2.0 payload.
func Encode(m Message) ([]byte, error) {
	out := []byte(`{"jsonrpc":"2.0"}`)
	var err error

	switch m.Kind {
	case KindRequest, KindResponse:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("encode %s: missing id", m.Kind)
		}
		if m.Kind == KindRequest && m.ID.IsNull() {
			return nil, errors.New("encode request: null id")
		}
		if out, err = sjson.SetRawBytes(out, "id", m.ID.raw()); err != nil {
			return nil, fmt.Errorf("encode id: %w", err)
		}
	case KindNotification:
	default:
		return nil, fmt.Errorf("encode: unknown message kind %d", int(m.Kind))
	}

	switch m.Kind {
	case KindRequest, KindNotification:
		if m.Method == "" {
			return nil, fmt.Errorf("encode %s: empty method", m.Kind)
		}
		if out, err = sjson.SetBytes(out, "method", m.Method); err != nil {
			return nil, fmt.Errorf("encode method: %w", err)
		}
		if len(m.Params) > 0 {
			if out, err = setRaw(out, "params", m.Params); err != nil {
				return nil, err
			}
		}

	case KindResponse:
		if m.Error != nil {
			if len(m.Result) > 0 {
				return nil, errors.New("encode response: both result and error set")
			}
			errObj, err := encodeRPCError(m.Error)
			if err != nil {
				return nil, err
			}
			if out, err = sjson.SetRawBytes(out, "error", errObj); err != nil {
				return nil, fmt.Errorf("encode error: %w", err)
			}
			break
		}
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		if out, err = setRaw(out, "result", result); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func setRaw(doc []byte, path string, raw json.RawMessage) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("encode %s: invalid JSON", path)
	}
	out, err := sjson.SetRawBytes(doc, path, raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	return out, nil
}

func encodeRPCError(e *RPCError) ([]byte, error) {
	obj := []byte(`{}`)
	var err error
	if obj, err = sjson.SetBytes(obj, "code", e.Code); err != nil {
		return nil, fmt.Errorf("encode error code: %w", err)
	}
	if obj, err = sjson.SetBytes(obj, "message", e.Message); err != nil {
		return nil, fmt.Errorf("encode error message: %w", err)
	}
	if len(e.Data) > 0 {
		if obj, err = setRaw(obj, "data", e.Data); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Decode parses a JSON-RPC 2.0 payload.
//
// The message shape is validated but ids are not matched against pending
// requests. When the payload is malformed but an id can still be read, the
// returned *MalformedMessageError carries it.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, &MalformedMessageError{Reason: "empty payload"}
	}
	if !gjson.ValidBytes(data) {
		return Message{}, &MalformedMessageError{Reason: "invalid JSON"}
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Message{}, &MalformedMessageError{Reason: "payload is not an object"}
	}

	fields := root.Map()

	var (
		id    ID
		hasID bool
	)
	if raw, ok := fields["id"]; ok {
		parsed, err := parseID(raw)
		if err != nil {
			return Message{}, &MalformedMessageError{Reason: err.Error()}
		}
		id, hasID = parsed, true
	}

	malformed := func(format string, args ...any) (Message, error) {
		e := &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
		if hasID && !id.IsNull() {
			recovered := id
			e.ID = &recovered
		}
		return Message{}, e
	}

	if v, ok := fields["jsonrpc"]; ok && (v.Type != gjson.String || v.Str != JSONRPCVersion) {
		return malformed("unsupported jsonrpc version %s", v.Raw)
	}

	method, hasMethod := fields["method"]
	if hasMethod && method.Type != gjson.String {
		return malformed("method must be a string")
	}
	if hasMethod && method.Str == "" {
		return malformed("empty method")
	}

	msg := Message{ID: id}
	if params, ok := fields["params"]; ok {
		msg.Params = json.RawMessage(params.Raw)
	}

	switch {
	case hasID && hasMethod:
		if id.IsNull() {
			return malformed("request with null id")
		}
		msg.Kind = KindRequest
		msg.Method = method.Str

	case hasMethod:
		msg.Kind = KindNotification
		msg.Method = method.Str

	case hasID:
		msg.Kind = KindResponse
		msg.Params = nil
		result, hasResult := fields["result"]
		errObj, hasError := fields["error"]
		switch {
		case hasResult && hasError:
			return malformed("response has both result and error")
		case hasResult:
			msg.Result = json.RawMessage(result.Raw)
		case hasError:
			rpcErr, err := decodeRPCError(errObj)
			if err != nil {
				return malformed("%v", err)
			}
			msg.Error = rpcErr
		default:
			return malformed("response has neither result nor error")
		}

	default:
		return malformed("message has neither id nor method")
	}

	return msg, nil
}

func decodeRPCError(r gjson.Result) (*RPCError, error) {
	if !r.IsObject() {
		return nil, errors.New("error must be an object")
	}
	code := r.Get("code")
	if code.Type != gjson.Number || !isIntegerLiteral(code.Raw) {
		return nil, errors.New("error code must be an integer")
	}
	message := r.Get("message")
	if message.Type != gjson.String {
		return nil, errors.New("error message must be a string")
	}
	e := &RPCError{Code: int(code.Int()), Message: message.Str}
	if data := r.Get("data"); data.Exists() {
		e.Data = json.RawMessage(data.Raw)
	}
	return e, nil
}
