// Package protocol defines the line-delimited wire format spoken between the
// detection server and its clients.
//
// # Framing
//
// Every frame is a single UTF-8 line terminated by '\n':
//   - Request: a frame reference (typically a file path), whitespace-trimmed.
//     Empty lines are ignored by the server.
//   - Response: exactly one JSON object per request, in request order.
//
// # Response Shapes
//
// A completed detection (whether or not a ball was found):
//
//	{"results": {"detected": true, "cx": 125, "cy": 125, "x1": 100, "y1": 100, "x2": 150, "y2": 150, "radius": 25}}
//
// When nothing was accepted every numeric field is null:
//
//	{"results": {"detected": false, "cx": null, "cy": null, "x1": null, "y1": null, "x2": null, "y2": null, "radius": null}}
//
// A request that could not be processed:
//
//	{"success": false, "error": "Image not found or unreadable."}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MsgFrameUnreadable is the error text sent when a frame reference cannot be
// opened or decoded. Robot clients match on this exact string.
const MsgFrameUnreadable = "Image not found or unreadable."

// DetectedCircle is the outcome of one detection request.
//
// When Detected is false the numeric fields carry no meaning and are encoded
// as JSON null.
type DetectedCircle struct {
	Detected bool

	// Bounding box of the accepted detection, in frame pixels.
	X1, Y1, X2, Y2 float64

	// Center of the bounding box, rounded to whole pixels.
	CX, CY int

	// Radius is half the larger box side, rounded to whole pixels.
	Radius int
}

// NotDetected is the zero-valued "no ball" result.
func NotDetected() DetectedCircle {
	return DetectedCircle{}
}

// Results is the JSON body of a successful response.
//
// Field order matches what the robot-side parser expects to see.
type Results struct {
	Detected bool     `json:"detected"`
	CX       *int     `json:"cx"`
	CY       *int     `json:"cy"`
	X1       *float64 `json:"x1"`
	Y1       *float64 `json:"y1"`
	X2       *float64 `json:"x2"`
	Y2       *float64 `json:"y2"`
	Radius   *int     `json:"radius"`
}

// Response is one response line. Exactly one of Results or (Success, Error)
// is populated.
type Response struct {
	Results *Results `json:"results,omitempty"`
	Success *bool    `json:"success,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// RemoteError is returned to clients when the server answered with an error
// response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "detection server error: " + e.Message
}

// FrameUnreadable reports whether the server rejected the reference because
// the frame could not be read.
func (e *RemoteError) FrameUnreadable() bool {
	return e.Message == MsgFrameUnreadable
}

// Success builds the response for a completed detection.
func Success(c DetectedCircle) *Response {
	r := &Results{Detected: c.Detected}
	if c.Detected {
		cx, cy, radius := c.CX, c.CY, c.Radius
		x1, y1, x2, y2 := c.X1, c.Y1, c.X2, c.Y2
		r.CX, r.CY, r.Radius = &cx, &cy, &radius
		r.X1, r.Y1, r.X2, r.Y2 = &x1, &y1, &x2, &y2
	}
	return &Response{Results: r}
}

// Failure builds an error response carrying message.
func Failure(message string) *Response {
	ok := false
	return &Response{Success: &ok, Error: message}
}

// Encode renders a response as a single '\n'-terminated line.
func Encode(resp *Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses one response line (with or without its trailing newline) into
// a DetectedCircle. Error responses are returned as *RemoteError.
func Decode(line []byte) (DetectedCircle, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return DetectedCircle{}, errors.New("empty response line")
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return DetectedCircle{}, fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.Results != nil {
		return resp.Results.circle()
	}
	if resp.Success != nil && !*resp.Success {
		return DetectedCircle{}, &RemoteError{Message: resp.Error}
	}
	return DetectedCircle{}, fmt.Errorf("response has neither results nor error: %s", line)
}

func (r *Results) circle() (DetectedCircle, error) {
	if !r.Detected {
		return NotDetected(), nil
	}
	if r.CX == nil || r.CY == nil || r.Radius == nil ||
		r.X1 == nil || r.Y1 == nil || r.X2 == nil || r.Y2 == nil {
		return DetectedCircle{}, errors.New("detected result is missing coordinates")
	}
	return DetectedCircle{
		Detected: true,
		X1:       *r.X1,
		Y1:       *r.Y1,
		X2:       *r.X2,
		Y2:       *r.Y2,
		CX:       *r.CX,
		CY:       *r.CY,
		Radius:   *r.Radius,
	}, nil
}

// ValidReference reports whether ref can be sent as a single request line.
func ValidReference(ref string) bool {
	if strings.TrimSpace(ref) == "" {
		return false
	}
	return !strings.ContainsAny(ref, "\r\n")
}
