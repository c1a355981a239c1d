// Package device abstracts fixed-size page I/O over a file or an in-memory
// arena. The disk variant reads through an optional read-only mmap window
// and falls back to pread; writes always go through pwrite, never through
// the mapping.
package device

import "github.com/calderadb/caldera/core/page"

// Device is the page I/O contract consumed by the PageManager and the
// journal's changeset redo path.
type Device interface {
	// Create creates the backing file and opens it read-write.
	Create() error
	// Open opens an existing backing file.
	Open(readonly bool) error
	Close() error
	// Flush makes previously written data durable (fsync).
	Flush() error
	Truncate(size uint64) error
	FileSize() (uint64, error)

	// Read fills buf from the given byte offset.
	Read(offset uint64, buf []byte) error
	// Write stores data at the given byte offset.
	Write(offset uint64, data []byte) error

	// ReadPage fills the page's buffer from the page's address.
	ReadPage(p *page.Page) error
	// WritePage stores the page's buffer at the page's address.
	WritePage(p *page.Page) error

	// AllocPage extends the arena by one page and returns its address.
	AllocPage() (uint64, error)
	// FreePage releases device resources attached to the page.
	FreePage(p *page.Page)

	// IsMapped reports whether the offset is covered by an mmap window.
	IsMapped(offset uint64) bool
	// InMemory reports whether this device has no backing file.
	InMemory() bool
}
