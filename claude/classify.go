package claude

import (
	json "github.com/segmentio/encoding/json"
)

// FrameKind discriminates a classified wire frame.
type FrameKind string

const (
	FrameRegular         FrameKind = "regular"
	FrameControlRequest  FrameKind = "control_request"
	FrameControlResponse FrameKind = "control_response"
	FrameControlCancel   FrameKind = "control_cancel_request"
	FrameKeepAlive       FrameKind = "keep_alive"
	// FrameUnknown is used for a parseable frame whose type field is not
	// one of the recognized kinds. The session logs and drops these.
	FrameUnknown FrameKind = "unknown"
)

// Frame is one classified line read from the child's stdout.
type Frame struct {
	Kind FrameKind
	Raw  json.RawMessage

	// Populated when Kind == FrameControlRequest.
	RequestID      string
	ControlRequest controlRequestEnvelope

	// Populated when Kind == FrameControlResponse.
	ControlResponse controlResponseEnvelope

	// Populated when Kind == FrameControlCancel.
	CancelRequestID string
}

type controlRequestEnvelope struct {
	Subtype string          `json:"subtype"`
	Raw     json.RawMessage `json:"-"`
}

type controlResponseEnvelope struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type frameEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
}

// ClassifyFrame parses line as JSON and tags it by its top-level "type"
// field. An unparseable line is reported via the returned *CLIJSONDecodeError
// so the caller can log and continue rather than treat it as fatal — the CLI
// occasionally interleaves non-JSON diagnostic text.
func ClassifyFrame(line []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Frame{}, &CLIJSONDecodeError{Line: append([]byte(nil), line...), Err: err}
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	switch env.Type {
	case "user", "assistant", "stream_event", "result", "system", "rate_limit_event":
		return Frame{Kind: FrameRegular, Raw: raw}, nil

	case string(FrameControlRequest):
		var reqBody struct {
			Subtype string `json:"subtype"`
		}
		_ = json.Unmarshal(env.Request, &reqBody)
		return Frame{
			Kind:      FrameControlRequest,
			Raw:       raw,
			RequestID: env.RequestID,
			ControlRequest: controlRequestEnvelope{
				Subtype: reqBody.Subtype,
				Raw:     env.Request,
			},
		}, nil

	case string(FrameControlResponse):
		var resp controlResponseEnvelope
		_ = json.Unmarshal(env.Response, &resp)
		return Frame{Kind: FrameControlResponse, Raw: raw, ControlResponse: resp}, nil

	case string(FrameControlCancel):
		return Frame{Kind: FrameControlCancel, Raw: raw, CancelRequestID: env.RequestID}, nil

	case string(FrameKeepAlive):
		return Frame{Kind: FrameKeepAlive, Raw: raw}, nil

	default:
		return Frame{Kind: FrameUnknown, Raw: raw}, nil
	}
}
