package rpcbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

const jsonrpcVersion = "2.0"

// MCP method constants used by the optional handshake and readiness probe.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
)

// Elicitation-shaped peer request methods recognised by default.
const (
	MethodElicitationCreate   = "elicitation/create"
	MethodRequestPermission   = "session/request_permission"
	MethodExecCommandApproval = "execCommandApproval"
	MethodApplyPatchApproval  = "applyPatchApproval"

	// MethodApprovalRequested is a notification that announces an approval
	// prompt without expecting a reply on the same id.
	MethodApprovalRequested = "approval/requested"
)

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// JSONRPCRequest is an outbound request. Ids are assigned by the bridge.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// JSONRPCResponse is a response frame. The id is kept raw so replies to peer
// requests echo whatever id type the peer used.
type JSONRPCResponse struct {
	Error   *JSONRPCError   `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no id).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

type frameKind int

const (
	frameRequest frameKind = iota + 1
	frameResponse
	frameNotification
)

// frame is the union of every inbound message shape.
type frame struct {
	Error   *JSONRPCError   `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	kind    frameKind
}

var errNotObject = errors.New("line is not a JSON object")

// decodeFrame parses one line. It returns errNotObject for lines that are
// not JSON objects at all (banners, prompts); every other failure is a
// *ProtocolError.
func decodeFrame(line []byte) (*frame, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}

	var f frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, &ProtocolError{Message: "invalid JSON frame", Line: string(line), Cause: err}
	}
	if f.JSONRPC != "" && f.JSONRPC != jsonrpcVersion {
		return nil, &ProtocolError{Message: "unsupported jsonrpc version " + strconv.Quote(f.JSONRPC), Line: string(line)}
	}

	// A request with a null id expects no reply.
	if f.Method != "" && bytes.Equal(f.ID, []byte("null")) {
		f.ID = nil
	}
	hasID := len(f.ID) > 0
	switch {
	case f.Method != "" && hasID:
		f.kind = frameRequest
	case f.Method != "":
		f.kind = frameNotification
	case hasID:
		f.kind = frameResponse
	default:
		return nil, &ProtocolError{Message: "frame has neither method nor id", Line: string(line)}
	}
	return &f, nil
}

// numericID returns the frame id as an int64 when it is a JSON integer.
// Responses to bridge requests always carry one; anything else (strings,
// null) cannot match a pending call.
func (f *frame) numericID() (int64, bool) {
	id, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// idText renders the raw id for use as a fallback call key.
func idText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return data, nil
}
