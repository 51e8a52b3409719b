package broker

import "bytes"

// maxPartialLine caps how much of an unterminated line the assembler holds
// before giving up and emitting it as-is. Guards against an upstream that
// never sends a newline.
const maxPartialLine = 1 * 1024 * 1024

// LineAssembler reassembles newline-delimited records from a chunked byte
// stream. Agents emit structured events one per line, but a PTY read can
// split a line across two chunks; feeding the chunks through here yields
// whole records only.
type LineAssembler struct {
	partial []byte
}

// Feed consumes one upstream chunk and returns the complete lines it
// finished, without their trailing newline. Bytes after the last newline
// are carried over to the next call.
func (la *LineAssembler) Feed(p []byte) [][]byte {
	la.partial = append(la.partial, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(la.partial, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, la.partial[:i])
		lines = append(lines, line)
		la.partial = la.partial[i+1:]
	}

	if len(la.partial) > maxPartialLine {
		over := make([]byte, len(la.partial))
		copy(over, la.partial)
		lines = append(lines, over)
		la.partial = la.partial[:0]
	}
	return lines
}

// Flush returns any unterminated trailing data, or nil.
func (la *LineAssembler) Flush() []byte {
	if len(la.partial) == 0 {
		return nil
	}
	out := make([]byte, len(la.partial))
	copy(out, la.partial)
	la.partial = la.partial[:0]
	return out
}
