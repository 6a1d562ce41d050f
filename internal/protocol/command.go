package protocol

import (
	"fmt"
	"strings"
)

// Command tags as they appear on the wire
const (
	TagDumpIQ       = "DumpIQ"
	TagDeleteFiles  = "DelFiles"
	TagCopyFile     = "CopyFiles"
	TagSetRegister  = "SetRegister"
	TagShellCommand = "ShellCommand"
	TagAteInit      = "AteInit"
	TagAteCommand   = "AteCommand"
)

// Command is one decoded request. It is implemented only by the types in
// this package.
type Command interface {
	// Tag returns the wire tag of the command
	Tag() string
	isCommand()
}

// Band selects the radio a DumpIQ targets
type Band int

const (
	// Band24GHz is the 2.4 GHz radio (phy0)
	Band24GHz Band = iota
	// Band5GHz is the 5 GHz radio (phy1)
	Band5GHz
)

// String returns the human readable band name
func (b Band) String() string {
	switch b {
	case Band24GHz:
		return "2.4GHz"
	case Band5GHz:
		return "5GHz"
	default:
		return fmt.Sprintf("Band(%d)", int(b))
	}
}

// ParseBand parses "2.4", "2.4g", "2.4ghz", "2g", "5", "5g" or "5ghz"
func ParseBand(s string) (Band, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "2.4", "2.4g", "2.4ghz", "2g", "24":
		return Band24GHz, nil
	case "5", "5g", "5ghz":
		return Band5GHz, nil
	default:
		return 0, fmt.Errorf("unknown band %q (want 2.4 or 5)", s)
	}
}

// DumpIQ captures I/Q samples of one band into TempDir/OutputName
type DumpIQ struct {
	Band       Band
	OutputName string
}

// DeleteFiles removes the generated *.txt files from the temp dir
type DeleteFiles struct{}

// CopyFile streams TempDir/Name back to the caller
type CopyFile struct {
	Name string
}

// SetRegister writes a 32-bit value to a physical address
type SetRegister struct {
	Address uint32
	Value   uint32
}

// ShellCommand runs Text through the shell verbatim
type ShellCommand struct {
	Text string
}

// AteInit brings up the managed interfaces used by the ATE harness
type AteInit struct{}

// AteCommand runs the vendor ATE tool with Text split on single spaces
type AteCommand struct {
	Text string
}

func (DumpIQ) Tag() string       { return TagDumpIQ }
func (DeleteFiles) Tag() string  { return TagDeleteFiles }
func (CopyFile) Tag() string     { return TagCopyFile }
func (SetRegister) Tag() string  { return TagSetRegister }
func (ShellCommand) Tag() string { return TagShellCommand }
func (AteInit) Tag() string      { return TagAteInit }
func (AteCommand) Tag() string   { return TagAteCommand }

func (DumpIQ) isCommand()       {}
func (DeleteFiles) isCommand()  {}
func (CopyFile) isCommand()     {}
func (SetRegister) isCommand()  {}
func (ShellCommand) isCommand() {}
func (AteInit) isCommand()      {}
func (AteCommand) isCommand()   {}

// ExpectsResponse reports whether the legacy protocol answers cmd with a
// header. The other commands are fire-and-forget.
func ExpectsResponse(cmd Command) bool {
	switch cmd.(type) {
	case DumpIQ, DeleteFiles, CopyFile:
		return true
	default:
		return false
	}
}
