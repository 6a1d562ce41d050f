package protocol

import (
	"bytes"
	"encoding/json"
)

// ResponseHeader is the single line sent back for an acknowledged command
type ResponseHeader struct {
	IsError  bool   `json:"is_error"`
	FileSize uint64 `json:"file_size"`
}

// Status returns a header without a payload
func Status(isError bool) ResponseHeader {
	return ResponseHeader{IsError: isError}
}

// FileHeader announces a payload of size bytes
func FileHeader(size uint64) ResponseHeader {
	return ResponseHeader{FileSize: size}
}

// EncodeHeader renders h as a newline-terminated line
func EncodeHeader(h ResponseHeader) []byte {
	// Marshalling a struct of a bool and an integer cannot fail.
	data, _ := json.Marshal(h)
	return append(data, '\n')
}

type headerWire struct {
	IsError  *bool  `json:"is_error"`
	FileSize uint64 `json:"file_size"`
}

// DecodeHeader parses a response line. file_size may be absent, as it is
// when talking to firmware that predates it.
func DecodeHeader(line []byte) (ResponseHeader, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ResponseHeader{}, decodeErr("response header must be a JSON object", nil)
	}

	var w headerWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return ResponseHeader{}, decodeErr("invalid response header", err)
	}
	if w.IsError == nil {
		return ResponseHeader{}, decodeErr("response header lacks is_error", nil)
	}
	return ResponseHeader{IsError: *w.IsError, FileSize: w.FileSize}, nil
}
