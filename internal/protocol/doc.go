// Package protocol implements the wire format of the iqdump diagnostic endpoint.
//
// Every request is one newline-terminated JSON value naming exactly one
// command. Commands without a payload are sent as a bare JSON string, commands
// with a payload as a single-key object whose key is the command tag:
//
//	{"DumpIQ":{"band_5g":true,"file_name":"iq_5g.txt"}}
//	"DelFiles"
//	{"CopyFiles":"iq_5g.txt"}
//	{"SetRegister":{"address":43981,"value":1}}
//	{"ShellCommand":"ls /tmp"}
//	"AteInit"
//	{"AteCommand":"wlan0 fastconfig -f 5180"}
//
// DumpIQ, DelFiles and CopyFiles are answered with one header line:
//
//	{"is_error":false,"file_size":1234}
//
// A successful CopyFiles header is followed by exactly file_size raw bytes of
// file content with no trailing delimiter. The remaining commands are
// fire-and-forget and produce no response on the legacy protocol.
package protocol
