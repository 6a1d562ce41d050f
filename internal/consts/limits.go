package consts

import "time"

// Network defaults
const (
	// DefaultPort is the TCP port the diagnostic endpoint listens on
	DefaultPort = 9600
	// DefaultListenAddr binds every interface on DefaultPort
	DefaultListenAddr = "0.0.0.0:9600"
)

// Filesystem locations on the device
const (
	// DefaultTempDir holds generated dumps and is the root for fetched files
	DefaultTempDir = "/tmp"
	// DefaultDebugFSRoot is where the wireless driver exposes its per-phy debug files
	DefaultDebugFSRoot = "/sys/kernel/debug/ieee80211"
	// DefaultShell runs shell snippets
	DefaultShell = "/bin/sh"
)

// External tool names, resolved through PATH unless configured otherwise
const (
	ToolMemDump  = "memdump"
	ToolHexDump  = "hexdump"
	ToolDevMem   = "devmem"
	ToolIW       = "iw"
	ToolIfconfig = "ifconfig"
	ToolAteCmd   = "ate_cmd"
)

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// MaxRequestLineBytes bounds a single request line
const MaxRequestLineBytes = BufferSize1MB

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
)
