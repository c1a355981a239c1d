package device

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/calderadb/caldera/core/dberr"
	"github.com/calderadb/caldera/core/induce"
	"github.com/calderadb/caldera/core/page"
)

// Disk backs an environment with a single file. Reads are served from a
// read-only mmap window when one could be established; writes always go
// through pwrite so the window never carries dirty state.
type Disk struct {
	path          string
	pageSize      uint32
	fileSizeLimit uint64
	disableMmap   bool
	log           *zap.Logger

	file     *os.File
	readonly bool
	fileSize uint64

	// mapping covers [0, len(mapping)) of the file; nil when mmap is
	// disabled or failed.
	mapping []byte
}

// NewDisk creates a disk device for the given path. fileSizeLimit of 0
// means unlimited.
func NewDisk(path string, pageSize uint32, fileSizeLimit uint64, disableMmap bool, log *zap.Logger) *Disk {
	if log == nil {
		log = zap.NewNop()
	}
	return &Disk{
		path:          path,
		pageSize:      pageSize,
		fileSizeLimit: fileSizeLimit,
		disableMmap:   disableMmap,
		log:           log.With(zap.String("component", "device")),
	}
}

func (d *Disk) Create() error {
	file, err := os.OpenFile(d.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", dberr.ErrIO, d.path, err)
	}
	d.file = file
	d.fileSize = 0
	d.readonly = false
	return nil
}

func (d *Disk) Open(readonly bool) error {
	mode := os.O_RDWR
	if readonly {
		mode = os.O_RDONLY
	}
	file, err := os.OpenFile(d.path, mode, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", dberr.ErrDatabaseNotFound, d.path)
		}
		return fmt.Errorf("%w: opening %s: %v", dberr.ErrIO, d.path, err)
	}
	d.file = file
	d.readonly = readonly

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: stat %s: %v", dberr.ErrIO, d.path, err)
	}
	d.fileSize = uint64(info.Size())

	if !d.disableMmap && d.fileSize > 0 {
		d.establishMapping()
	}
	return nil
}

// establishMapping tries to map the current file contents read-only. A
// failure is not fatal; reads fall back to pread.
func (d *Disk) establishMapping() {
	if err := induce.Trigger(induce.PointFileMmap); err != nil {
		d.log.Warn("mmap disabled by error inducer", zap.Error(err))
		return
	}
	data, err := mmapFile(d.file, d.fileSize)
	if err != nil {
		d.log.Warn("mmap failed, falling back to pread",
			zap.String("path", d.path), zap.Error(err))
		return
	}
	d.mapping = data
}

func (d *Disk) dropMapping() {
	if d.mapping != nil {
		if err := munmapFile(d.mapping); err != nil {
			d.log.Warn("munmap failed", zap.Error(err))
		}
		d.mapping = nil
	}
}

func (d *Disk) Close() error {
	d.dropMapping()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", dberr.ErrIO, d.path, err)
	}
	return nil
}

func (d *Disk) Flush() error {
	if d.readonly {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", dberr.ErrIO, d.path, err)
	}
	return nil
}

func (d *Disk) Truncate(size uint64) error {
	// The mapping may cover the truncated range; drop it first.
	if uint64(len(d.mapping)) > size {
		d.dropMapping()
	}
	if err := d.file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("%w: truncate %s to %d: %v", dberr.ErrIO, d.path, size, err)
	}
	d.fileSize = size
	return nil
}

func (d *Disk) FileSize() (uint64, error) {
	return d.fileSize, nil
}

func (d *Disk) Read(offset uint64, buf []byte) error {
	if d.mapping != nil && offset+uint64(len(buf)) <= uint64(len(d.mapping)) {
		copy(buf, d.mapping[offset:offset+uint64(len(buf))])
		return nil
	}
	n, err := d.file.ReadAt(buf, int64(offset))
	if err != nil {
		return fmt.Errorf("%w: read %d bytes at %d: %v", dberr.ErrIO, len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short read at %d: %d of %d bytes", dberr.ErrIO, offset, n, len(buf))
	}
	return nil
}

func (d *Disk) Write(offset uint64, data []byte) error {
	n, err := d.file.WriteAt(data, int64(offset))
	if err != nil {
		return fmt.Errorf("%w: write %d bytes at %d: %v", dberr.ErrIO, len(data), offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write at %d: %d of %d bytes", dberr.ErrIO, offset, n, len(data))
	}
	if offset+uint64(len(data)) > d.fileSize {
		d.fileSize = offset + uint64(len(data))
	}
	return nil
}

func (d *Disk) ReadPage(p *page.Page) error {
	return d.Read(p.Addr(), p.Raw())
}

func (d *Disk) WritePage(p *page.Page) error {
	return d.Write(p.Addr(), p.Raw())
}

func (d *Disk) AllocPage() (uint64, error) {
	addr := d.fileSize
	newSize := addr + uint64(d.pageSize)
	if d.fileSizeLimit != 0 && newSize > d.fileSizeLimit {
		return 0, fmt.Errorf("%w: file size limit %d exceeded", dberr.ErrLimitsReached, d.fileSizeLimit)
	}
	if err := d.file.Truncate(int64(newSize)); err != nil {
		return 0, fmt.Errorf("%w: extending %s: %v", dberr.ErrIO, d.path, err)
	}
	d.fileSize = newSize
	return addr, nil
}

func (d *Disk) FreePage(p *page.Page) {}

func (d *Disk) IsMapped(offset uint64) bool {
	return d.mapping != nil && offset < uint64(len(d.mapping))
}

func (d *Disk) InMemory() bool { return false }
