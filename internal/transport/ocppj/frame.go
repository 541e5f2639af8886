package ocppj

import (
	"encoding/json"
	"fmt"

	"github.com/charging-platform/station-simulator/internal/domain/ocpp16"
)

// frame 解码后的OCPP-J消息帧
type frame struct {
	Type             ocpp16.MessageType
	UniqueID         string
	Action           ocpp16.Action
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// encodeCall 编码CALL帧 [2, uniqueId, action, payload]
func encodeCall(uniqueID string, action ocpp16.Action, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", action, err)
	}
	return json.Marshal([]interface{}{int(ocpp16.Call), uniqueID, string(action), json.RawMessage(p)})
}

// encodeCallResult 编码CALLRESULT帧 [3, uniqueId, payload]
func encodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result payload: %w", err)
	}
	return json.Marshal([]interface{}{int(ocpp16.CallResult), uniqueID, json.RawMessage(p)})
}

// encodeCallError 编码CALLERROR帧 [4, uniqueId, errorCode, errorDescription, errorDetails]
func encodeCallError(uniqueID, errorCode, errorDescription string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	d, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error details: %w", err)
	}
	return json.Marshal([]interface{}{int(ocpp16.CallError), uniqueID, errorCode, errorDescription, json.RawMessage(d)})
}

// decodeFrame 解码OCPP-J数组帧，格式不符时返回ErrMalformedFrame
func decodeFrame(data []byte) (*frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array", ErrMalformedFrame)
	}
	if len(elements) < 3 {
		return nil, fmt.Errorf("%w: array too short", ErrMalformedFrame)
	}

	var msgType int
	if err := json.Unmarshal(elements[0], &msgType); err != nil {
		return nil, fmt.Errorf("%w: message type is not a number", ErrMalformedFrame)
	}

	var uniqueID string
	if err := json.Unmarshal(elements[1], &uniqueID); err != nil || uniqueID == "" {
		return nil, fmt.Errorf("%w: missing unique id", ErrMalformedFrame)
	}

	f := &frame{Type: ocpp16.MessageType(msgType), UniqueID: uniqueID}

	switch f.Type {
	case ocpp16.Call:
		if len(elements) < 4 {
			return nil, fmt.Errorf("%w: CALL requires 4 elements", ErrMalformedFrame)
		}
		var action string
		if err := json.Unmarshal(elements[2], &action); err != nil || action == "" {
			return nil, fmt.Errorf("%w: missing action", ErrMalformedFrame)
		}
		f.Action = ocpp16.Action(action)
		f.Payload = elements[3]
	case ocpp16.CallResult:
		f.Payload = elements[2]
	case ocpp16.CallError:
		if len(elements) < 4 {
			return nil, fmt.Errorf("%w: CALLERROR requires at least 4 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(elements[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code is not a string", ErrMalformedFrame)
		}
		if err := json.Unmarshal(elements[3], &f.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: error description is not a string", ErrMalformedFrame)
		}
		if len(elements) > 4 {
			f.ErrorDetails = elements[4]
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, msgType)
	}

	return f, nil
}
