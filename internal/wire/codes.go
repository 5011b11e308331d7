package wire

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// CodeParseError indicates invalid JSON was received by the gateway.
	CodeParseError ErrorCode = -32700
	// CodeInvalidRequest indicates the JSON sent is not a valid request
	// object, or the call violates the session protocol.
	CodeInvalidRequest ErrorCode = -32600
	// CodeUnknownCapability indicates the requested capability is not
	// registered.
	CodeUnknownCapability ErrorCode = -32601
	// CodeInvalidArguments indicates the arguments failed contract
	// validation. The error data carries per-field diagnostics.
	CodeInvalidArguments ErrorCode = -32602
	// CodeInternalError indicates an unclassified server-side failure.
	CodeInternalError ErrorCode = -32603

	// CodeUpstreamFailure indicates the backend collaborator call failed.
	// The error data carries the upstream status and message.
	CodeUpstreamFailure ErrorCode = -32000
	// CodeSessionClosed indicates the session reached its terminal state.
	CodeSessionClosed ErrorCode = -32001
)
