// Package buf implements the zero-copy scatter-gather buffer chain that
// every layer of the stack passes packets through. A chain is a sequence
// of [Node]s; a [Ref] denotes a logical byte sequence obtained by walking
// nodes starting at an offset in the first one, stopping after a fixed
// total length. No operation in this package allocates on the hot path
// and none of them can fail at runtime: precondition violations panic,
// matching the "abort on misuse" contract callers are expected to uphold.
package buf

import "fmt"

// Node is one contiguous run of bytes in a chain. Next is nil at the end
// of the chain. A Node may be shared by multiple [Ref]s (that's the point).
type Node struct {
	B    []byte
	Next *Node
}

// Ref denotes total bytes of logical data starting at offset off into
// First. Walking First, First.Next, First.Next.Next, ... and stopping
// after Total bytes reconstructs the byte sequence.
type Ref struct {
	First *Node
	Off   int
	Total int
}

// New wraps a single flat byte slice as a one-node chain.
func New(b []byte) Ref {
	return Ref{First: &Node{B: b}, Off: 0, Total: len(b)}
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("buf: "+format, args...))
	}
}

// Len returns the logical length of the chain.
func (r Ref) Len() int { return r.Total }

// IsEmpty reports whether the chain denotes zero bytes.
func (r Ref) IsEmpty() bool { return r.Total == 0 }

// ChunkLen returns the length of the first contiguous run of bytes
// available at the current position, which may be shorter than Total
// when the first node ends before Total bytes are exhausted.
func (r Ref) ChunkLen() int {
	if r.Total == 0 {
		return 0
	}
	avail := len(r.First.B) - r.Off
	if avail > r.Total {
		avail = r.Total
	}
	return avail
}

// ChunkPtr returns the first contiguous run of bytes available at the
// current position. It is a slice into the underlying node; callers must
// not retain it past the node's lifetime if they intend to reuse the node.
func (r Ref) ChunkPtr() []byte {
	n := r.ChunkLen()
	return r.First.B[r.Off : r.Off+n]
}

// advanceEager moves node/offset forward past exhausted and zero-length
// nodes so that a ring-buffer-backed chain never reports an offset equal
// to its node's capacity. This mirrors the "eager advance" rule required
// for the self-referential ring buffer described in the TCP connection
// buffer contract.
func advanceEager(node *Node, off int) (*Node, int) {
	for node != nil && off >= len(node.B) && node.Next != nil {
		node = node.Next
		off = 0
	}
	return node, off
}

// RevealHeader widens the chain backward by n bytes, exposing header
// space that was previously hidden ahead of the current offset. Requires
// Off >= n.
func (r Ref) RevealHeader(n int) Ref {
	assert(n <= r.Off, "reveal_header: n=%d exceeds offset=%d", n, r.Off)
	return Ref{First: r.First, Off: r.Off - n, Total: r.Total + n}
}

// HideHeader advances the chain by n bytes within the first chunk,
// eagerly crossing node boundaries per advanceEager. Requires n to fit
// both the first chunk and the total remaining length.
func (r Ref) HideHeader(n int) Ref {
	assert(n <= r.ChunkLen(), "hide_header: n=%d exceeds chunk_len=%d", n, r.ChunkLen())
	assert(n <= r.Total, "hide_header: n=%d exceeds total=%d", n, r.Total)
	node, off := advanceEager(r.First, r.Off+n)
	return Ref{First: node, Off: off, Total: r.Total - n}
}

// SubTo returns the prefix of the chain of the given length.
func (r Ref) SubTo(length int) Ref {
	assert(length <= r.Total, "sub_to: len=%d exceeds total=%d", length, r.Total)
	return Ref{First: r.First, Off: r.Off, Total: length}
}

// SubFromTo returns the substring [off, off+length) of the chain.
func (r Ref) SubFromTo(off, length int) Ref {
	assert(off+length <= r.Total, "sub_from_to: range [%d,%d) exceeds total=%d", off, off+length, r.Total)
	return r.HideHeader(off).SubTo(length)
}

// ProcessBytes consumes amount bytes from the front of the chain, calling
// f(ptr, len) once per contiguous run, and returns the chain advanced past
// the consumed bytes (eagerly, per advanceEager).
func ProcessBytes(r Ref, amount int, f func(ptr []byte, length int)) Ref {
	assert(amount <= r.Total, "process_bytes: amount=%d exceeds total=%d", amount, r.Total)
	remaining := amount
	node, off := r.First, r.Off
	for remaining > 0 {
		n := len(node.B) - off
		if n > remaining {
			n = remaining
		}
		f(node.B[off:off+n], n)
		off += n
		remaining -= n
		if remaining > 0 {
			assert(node.Next != nil, "process_bytes: chain exhausted with %d bytes left", remaining)
			node = node.Next
			off = 0
		}
	}
	node, off = advanceEager(node, off)
	return Ref{First: node, Off: off, Total: r.Total - amount}
}

// ProcessBytesInterruptible is like ProcessBytes but f may request an
// early stop by returning a shorter consumed length than offered. It
// returns the chain advanced past whatever was actually consumed and the
// number of bytes consumed.
func ProcessBytesInterruptible(r Ref, max int, f func(ptr []byte, length int) (consumed int, stop bool)) (Ref, int) {
	if max > r.Total {
		max = r.Total
	}
	total := 0
	node, off := r.First, r.Off
	for total < max {
		n := len(node.B) - off
		if n > max-total {
			n = max - total
		}
		consumed, stop := f(node.B[off:off+n], n)
		assert(consumed >= 0 && consumed <= n, "process_bytes_interruptible: f returned invalid consumed=%d for offer=%d", consumed, n)
		off += consumed
		total += consumed
		if stop || consumed < n {
			break
		}
		if total < max {
			assert(node.Next != nil, "process_bytes_interruptible: chain exhausted with %d bytes left", max-total)
			node = node.Next
			off = 0
		}
	}
	node, off = advanceEager(node, off)
	return Ref{First: node, Off: off, Total: r.Total - total}, total
}

// GiveBytes copies up to len(dst) bytes from the chain into dst and
// returns the number of bytes copied.
func (r Ref) GiveBytes(dst []byte) int {
	n := len(dst)
	if n > r.Total {
		n = r.Total
	}
	copied := 0
	ProcessBytes(r.SubTo(n), n, func(ptr []byte, length int) {
		copied += copy(dst[copied:], ptr[:length])
	})
	return copied
}

// TakeBytes copies up to r.Total bytes from src into the chain (in place,
// overwriting node contents) and returns the number of bytes copied.
func (r Ref) TakeBytes(src []byte) int {
	n := len(src)
	if n > r.Total {
		n = r.Total
	}
	copied := 0
	node, off := r.First, r.Off
	remaining := n
	for remaining > 0 {
		chunk := len(node.B) - off
		if chunk > remaining {
			chunk = remaining
		}
		copied += copy(node.B[off:off+chunk], src[copied:copied+chunk])
		off += chunk
		remaining -= chunk
		if remaining > 0 {
			node = node.Next
			off = 0
		}
	}
	return copied
}

// GiveBuf copies from this chain into dst, up to the shorter of the two
// lengths, returning the number of bytes copied.
func (r Ref) GiveBuf(dst Ref) int {
	n := r.Total
	if n > dst.Total {
		n = dst.Total
	}
	buf := make([]byte, n)
	r.GiveBytes(buf)
	return dst.TakeBytes(buf)
}

// FindByte returns the index of the first occurrence of b in the chain,
// or -1 if not present.
func (r Ref) FindByte(b byte) int {
	idx := 0
	node, off := r.First, r.Off
	remaining := r.Total
	for remaining > 0 {
		chunk := node.B[off:]
		if n := len(chunk); n > remaining {
			chunk = chunk[:remaining]
		}
		for i, c := range chunk {
			if c == b {
				return idx + i
			}
		}
		idx += len(chunk)
		remaining -= len(chunk)
		if remaining > 0 {
			node = node.Next
			off = 0
		}
	}
	return -1
}

// StartsWith reports whether the chain's first len(prefix) bytes equal
// prefix.
func (r Ref) StartsWith(prefix []byte) bool {
	if len(prefix) > r.Total {
		return false
	}
	got := make([]byte, len(prefix))
	r.SubTo(len(prefix)).GiveBytes(got)
	for i := range prefix {
		if got[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SubHeaderToContinuedBy builds a synthetic two-part chain: headerLen
// bytes taken from r's front, immediately followed by cont, for a total
// length of totalLen. This lets IP fragment reassembly treat a stored
// header as prefixed onto a freshly-received fragment's payload without
// copying either.
func SubHeaderToContinuedBy(r Ref, headerLen int, cont Ref, totalLen int) Ref {
	assert(headerLen <= r.Total, "sub_header_to_continued_by: header_len=%d exceeds total=%d", headerLen, r.Total)
	assert(headerLen+cont.Total >= totalLen, "sub_header_to_continued_by: header+cont=%d shorter than total_len=%d", headerLen+cont.Total, totalLen)
	head := r.SubTo(headerLen)
	contFirst := cont.First
	if cont.Off != 0 {
		contFirst = &Node{B: cont.First.B[cont.Off:], Next: cont.First.Next}
	}
	if headerLen <= head.ChunkLen() {
		bridge := &Node{B: head.ChunkPtr(), Next: contFirst}
		return Ref{First: bridge, Off: 0, Total: totalLen}
	}
	// header spans multiple nodes already; splice cont onto a copy of the
	// chain tail so the original chain's Next pointers are left untouched.
	headNodes := make([]Node, 0, 4)
	n, off, remaining := head.First, head.Off, headerLen
	for remaining > 0 {
		chunk := len(n.B) - off
		if chunk > remaining {
			chunk = remaining
		}
		headNodes = append(headNodes, Node{B: n.B[off : off+chunk]})
		remaining -= chunk
		n, off = n.Next, 0
	}
	for i := range headNodes[:len(headNodes)-1] {
		headNodes[i].Next = &headNodes[i+1]
	}
	headNodes[len(headNodes)-1].Next = contFirst
	return Ref{First: &headNodes[0], Off: 0, Total: totalLen}
}
