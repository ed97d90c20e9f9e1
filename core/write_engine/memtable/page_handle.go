package memtable

import (
	"errors"
	"fmt"

	"github.com/sushant-115/pagestore/core/write_engine/latch"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

var ErrStaleHandle = errors.New("page handle no longer refers to a resident page")

// PageHandle gives access to the content of a pinned page. It is valid until
// the matching UnpinPage; after that the frame may hold a different page.
type PageHandle struct {
	pageID PageID
	frame  *latch.RwLatch[pagemanager.Frame]
}

func (h *PageHandle) PageID() PageID { return h.pageID }

// Read runs fn with shared access to the page bytes.
func (h *PageHandle) Read(fn func(p *pagemanager.Page)) error {
	return h.frame.ReadErr(func(f *pagemanager.Frame) error {
		if f.PageID() != h.pageID {
			return fmt.Errorf("%w: page %d", ErrStaleHandle, h.pageID)
		}
		fn(f.Page())
		return nil
	})
}

// Write runs fn with exclusive access to the page bytes. It does not mark
// the page dirty; pass isDirty to UnpinPage for that.
func (h *PageHandle) Write(fn func(p *pagemanager.Page)) error {
	return h.frame.WriteErr(func(f *pagemanager.Frame) error {
		if f.PageID() != h.pageID {
			return fmt.Errorf("%w: page %d", ErrStaleHandle, h.pageID)
		}
		fn(f.Page())
		return nil
	})
}

// Data returns a copy of the page bytes.
func (h *PageHandle) Data() (pagemanager.Page, error) {
	var p pagemanager.Page
	err := h.Read(func(src *pagemanager.Page) { p = *src })
	return p, err
}

// WriteRecord encodes a fixed-layout value into the page.
func (h *PageHandle) WriteRecord(v any) error {
	buf, err := pagemanager.ToBuffer(v)
	if err != nil {
		return err
	}
	return h.Write(func(p *pagemanager.Page) { *p = *buf })
}

// ReadRecord decodes the page into v, a pointer to a fixed-layout value.
func (h *PageHandle) ReadRecord(v any) error {
	var decodeErr error
	if err := h.Read(func(p *pagemanager.Page) { decodeErr = pagemanager.FromBuffer(p, v) }); err != nil {
		return err
	}
	return decodeErr
}
