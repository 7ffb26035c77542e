package xdb

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mapSlot maps a live slot's page range read-write or read-only
// depending on s.mapRW, per the flags MapBlob recorded (mapslot). Page
// alignment against the OS page size is handled by mmap itself since
// xdb's page size is always a multiple of it in practice; unlike the
// original we do not special-case a smaller xdb page size.
func mapSlot(x *XDB, s *slot) error {
	prot := unix.PROT_READ
	if s.mapRW {
		prot |= unix.PROT_WRITE
	}
	size := int(s.pagecnt) * int(x.pagesize)
	off := int64(s.startpage) * int64(x.pagesize)
	data, err := unix.Mmap(int(x.f.Fd()), off, size, prot, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "xdb: mmap blob")
	}
	s.mapped = data
	return nil
}

func mapSlotReadOnly(x *XDB, s *slot) error {
	size := int(s.pagecnt) * int(x.pagesize)
	off := int64(s.startpage) * int64(x.pagesize)
	data, err := unix.Mmap(int(x.f.Fd()), off, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "xdb: mmap blob read-only")
	}
	s.mapped = data
	return nil
}

func unmapSlot(s *slot) {
	if s.mapped == nil {
		return
	}
	unix.Munmap(s.mapped)
	s.mapped = nil
}
