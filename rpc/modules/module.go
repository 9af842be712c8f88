// Package modules adapts node operations for the JSON-RPC surface. Engine
// sentinels come out the far side as a ModuleError carrying both the HTTP
// status and the JSON-RPC error code the transport should answer with.
package modules

const (
	codeInvalidParams = -32602
	codeUnauthorized  = -32001
	codeServerError   = -32000
)

// ModuleError is the transport-ready form of an operation failure. Data is
// optional structured detail passed through to the client untouched.
type ModuleError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *ModuleError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
