// Package disk opens a host file as a raw block device and reads its
// MS-DOS partition table, for the CIF's disk ihandles.
//
// Grounded on original_source/disk.c.
package disk

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/andreiw/pvp/internal/monerr"
)

// SectorSize is the assumed device sector size.
const SectorSize = 512

// Partition is a byte extent within the backing file.
type Partition struct {
	Offset int64
	Length int64
}

// Disk is an open backing file, cached by path so repeated opens of
// the same image share one *os.File.
type Disk struct {
	path string
	file *os.File
	size int64
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Disk{}
)

// Open opens (or returns a cached handle to) the disk image at path.
func Open(path string) (*Disk, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if d, ok := cache[path]; ok {
		return d, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	d := &Disk{path: path, file: f, size: info.Size()}
	cache[path] = d

	return d, nil
}

// dosPart is one 16-byte MBR partition table entry.
type dosPart struct {
	bootInd                    byte
	head, sector, cyl          byte
	sysInd                     byte
	endHead, endSector, endCyl byte
	startSect                  uint32
	nrSects                    uint32
}

// FindPartition returns the byte extent of partition index. Index 0
// is the whole device; indices 1-4 are read from the MBR at sector 0.
func (d *Disk) FindPartition(index int) (Partition, error) {
	if index == 0 {
		return Partition{Offset: 0, Length: d.size}, nil
	}

	if index < 1 || index > 4 {
		return Partition{}, monerr.Wrap(monerr.ErrNotFound, fmt.Sprintf("disk: partition index %d", index))
	}

	buf := make([]byte, SectorSize)

	if _, err := d.file.ReadAt(buf, 0); err != nil {
		return Partition{}, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	if buf[0x1FE] != 0x55 || buf[0x1FF] != 0xAA {
		return Partition{}, monerr.Wrap(monerr.ErrNotFound, "disk: no MBR signature")
	}

	rec := buf[0x1BE+(index-1)*16:]

	var part dosPart

	part.bootInd = rec[0]
	part.head = rec[1]
	part.sector = rec[2]
	part.cyl = rec[3]
	part.sysInd = rec[4]
	part.endHead = rec[5]
	part.endSector = rec[6]
	part.endCyl = rec[7]
	part.startSect = binary.LittleEndian.Uint32(rec[8:12])
	part.nrSects = binary.LittleEndian.Uint32(rec[12:16])

	return Partition{
		Offset: int64(part.startSect) * SectorSize,
		Length: int64(part.nrSects) * SectorSize,
	}, nil
}

// ReadAt and WriteAt give the CIF disk ihandle raw byte access within
// the backing file.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.file.ReadAt(p, off)
	if err != nil && err.Error() != "EOF" {
		return n, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	return n, nil
}

func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	n, err := d.file.WriteAt(p, off)
	if err != nil {
		return n, monerr.Wrap(monerr.ErrPosix, err.Error())
	}

	return n, nil
}
