package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrDecode is matched by every error returned from Decode and DecodeHeader
var ErrDecode = errors.New("malformed message")

// DecodeError describes why a line could not be decoded
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

// Is makes errors.Is(err, ErrDecode) hold
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

type dumpIQPayload struct {
	Band5G   *bool   `json:"band_5g"`
	FileName *string `json:"file_name"`
}

type setRegisterPayload struct {
	Address *uint32 `json:"address"`
	Value   *uint32 `json:"value"`
}

// Decode parses one request line into a Command
func Decode(line []byte) (Command, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, decodeErr("empty request", nil)
	}
	if !utf8.Valid(trimmed) {
		return nil, decodeErr("request is not valid UTF-8", nil)
	}

	switch trimmed[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return nil, decodeErr("invalid command tag", err)
		}
		return decodeUnit(tag)

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, decodeErr("invalid JSON object", err)
		}
		// A map keeps only the last of repeated keys.
		if err := checkUniqueKeys(json.NewDecoder(bytes.NewReader(trimmed))); err != nil {
			return nil, decodeErr("invalid JSON object", err)
		}
		if len(obj) != 1 {
			return nil, decodeErr(fmt.Sprintf("expected exactly one command tag, got %d", len(obj)), nil)
		}
		for tag, payload := range obj {
			return decodeTagged(tag, payload)
		}
	}

	return nil, decodeErr("request must be a JSON string or object", nil)
}

// checkUniqueKeys walks one JSON value and fails on any object that names a
// key twice, at any depth
func checkUniqueKeys(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			key, ok := tok.(string)
			if !ok {
				return fmt.Errorf("unexpected object key %v", tok)
			}
			if _, dup := seen[key]; dup {
				return fmt.Errorf("duplicate field %q", key)
			}
			seen[key] = struct{}{}
			if err := checkUniqueKeys(dec); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := checkUniqueKeys(dec); err != nil {
				return err
			}
		}
	}

	// closing delimiter
	_, err = dec.Token()
	return err
}

func decodeUnit(tag string) (Command, error) {
	switch tag {
	case TagDeleteFiles:
		return DeleteFiles{}, nil
	case TagAteInit:
		return AteInit{}, nil
	case TagDumpIQ, TagCopyFile, TagSetRegister, TagShellCommand, TagAteCommand:
		return nil, decodeErr(fmt.Sprintf("command %s requires a payload", tag), nil)
	default:
		return nil, decodeErr(fmt.Sprintf("unknown command %q", tag), nil)
	}
}

func decodeTagged(tag string, payload json.RawMessage) (Command, error) {
	switch tag {
	case TagDeleteFiles, TagAteInit:
		// serde also accepts {"Tag":null} for unit variants
		if !isNull(payload) {
			return nil, decodeErr(fmt.Sprintf("command %s takes no payload", tag), nil)
		}
		return decodeUnit(tag)

	case TagDumpIQ:
		var p dumpIQPayload
		if err := decodeStrict(payload, &p); err != nil {
			return nil, decodeErr("invalid DumpIQ payload", err)
		}
		if p.Band5G == nil || p.FileName == nil {
			return nil, decodeErr("DumpIQ requires band_5g and file_name", nil)
		}
		band := Band24GHz
		if *p.Band5G {
			band = Band5GHz
		}
		return DumpIQ{Band: band, OutputName: *p.FileName}, nil

	case TagCopyFile:
		name, err := decodeString(payload)
		if err != nil {
			return nil, decodeErr("invalid CopyFiles payload", err)
		}
		return CopyFile{Name: name}, nil

	case TagSetRegister:
		var p setRegisterPayload
		if err := decodeStrict(payload, &p); err != nil {
			return nil, decodeErr("invalid SetRegister payload", err)
		}
		if p.Address == nil || p.Value == nil {
			return nil, decodeErr("SetRegister requires address and value", nil)
		}
		return SetRegister{Address: *p.Address, Value: *p.Value}, nil

	case TagShellCommand:
		text, err := decodeString(payload)
		if err != nil {
			return nil, decodeErr("invalid ShellCommand payload", err)
		}
		return ShellCommand{Text: text}, nil

	case TagAteCommand:
		text, err := decodeString(payload)
		if err != nil {
			return nil, decodeErr("invalid AteCommand payload", err)
		}
		return AteCommand{Text: text}, nil

	default:
		return nil, decodeErr(fmt.Sprintf("unknown command %q", tag), nil)
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", errors.New("expected a JSON string")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return errors.New("expected a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// EncodeCommand renders cmd as a newline-terminated request line
func EncodeCommand(cmd Command) ([]byte, error) {
	var v interface{}
	switch c := cmd.(type) {
	case DumpIQ:
		band5G := c.Band == Band5GHz
		v = map[string]dumpIQPayload{TagDumpIQ: {Band5G: &band5G, FileName: &c.OutputName}}
	case DeleteFiles:
		v = TagDeleteFiles
	case CopyFile:
		v = map[string]string{TagCopyFile: c.Name}
	case SetRegister:
		v = map[string]setRegisterPayload{TagSetRegister: {Address: &c.Address, Value: &c.Value}}
	case ShellCommand:
		v = map[string]string{TagShellCommand: c.Text}
	case AteInit:
		v = TagAteInit
	case AteCommand:
		v = map[string]string{TagAteCommand: c.Text}
	default:
		return nil, fmt.Errorf("unsupported command type %T", cmd)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
