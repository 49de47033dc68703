// Package gateway implements the edge gateway agent: a USB-serial bridge
// between an ESP32 mesh co-processor and a cloud MQTT broker, with a
// durable outbound queue, command/ack correlation, device directory,
// health monitoring, and a scheduler tying it all together.
package gateway

import (
	"errors"
	"fmt"
)

// Error represents a structured gateway error with operation and asset
// context.
type Error struct {
	Op      string    // Operation that failed (e.g., "backlog.drain", "broker.publish")
	AssetID string    // Device asset ID, if applicable ("" if not)
	Code    ErrorCode // High-level error category
	Msg     string    // Human-readable message
	Inner   error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.AssetID != "" {
		parts = append(parts, fmt.Sprintf("asset=%s", e.AssetID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("gateway: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("gateway: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is compares errors by code, so sentinel checks like
// errors.Is(err, gateway.ErrLinkDown) work against wrapped *Error values.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents the high-level error taxonomy.
type ErrorCode string

const (
	ErrCodeLinkDown             ErrorCode = "link_down"
	ErrCodeFrameCorrupt         ErrorCode = "frame_corrupt"
	ErrCodeBrokerUnavailable    ErrorCode = "broker_unavailable"
	ErrCodeStoreError           ErrorCode = "store_error"
	ErrCodeDuplicateCorrelation ErrorCode = "duplicate_correlation_id"
	ErrCodeCommandTimeout       ErrorCode = "command_timeout"
	ErrCodeInvalidPayload       ErrorCode = "invalid_payload"
	ErrCodeUnknownDevice        ErrorCode = "unknown_device"
)

// Sentinel errors for the most common errors.Is checks at call sites.
var (
	ErrLinkDown             = &Error{Code: ErrCodeLinkDown, Msg: "serial link down"}
	ErrDuplicateCorrelation = &Error{Code: ErrCodeDuplicateCorrelation, Msg: "duplicate correlation id"}
	ErrCommandTimeout       = &Error{Code: ErrCodeCommandTimeout, Msg: "command timed out"}
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewAssetError creates a new structured error scoped to a device asset.
func NewAssetError(op string, assetID string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, AssetID: assetID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with gateway op/code context.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ge, ok := inner.(*Error); ok {
		return &Error{
			Op:      op,
			AssetID: ge.AssetID,
			Code:    ge.Code,
			Msg:     ge.Msg,
			Inner:   ge.Inner,
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks whether an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}
