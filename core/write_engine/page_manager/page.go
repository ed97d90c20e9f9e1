package pagemanager

// --- Page Management ---

const (
	// PageSize is the size of every on-disk page and in-memory frame.
	PageSize = 4096

	InvalidPageID  PageID  = -1
	InvalidFrameID FrameID = -1

	// HeaderPageID is reserved by convention for a database header.
	HeaderPageID PageID = 0
)

// PageID identifies a page on disk. Page p lives at byte offset p*PageSize.
type PageID int64

// FrameID identifies a slot in the buffer pool.
type FrameID int64

// Page is the raw content of one disk page.
type Page [PageSize]byte

// Frame is an in-memory slot that holds at most one disk page.
// Callers serialize access to a Frame through the latch that owns it.
type Frame struct {
	page     Page
	id       FrameID
	pageID   PageID
	pinCount uint32
	isDirty  bool
}

// NewFrame returns an empty frame with the given slot id.
func NewFrame(id FrameID) Frame {
	return Frame{id: id, pageID: InvalidPageID}
}

// Reset zeroes the content and metadata so no data leaks to the next page.
func (f *Frame) Reset() {
	f.page = Page{}
	f.pageID = InvalidPageID
	f.pinCount = 0
	f.isDirty = false
}

func (f *Frame) ID() FrameID         { return f.id }
func (f *Frame) PageID() PageID      { return f.pageID }
func (f *Frame) SetPageID(id PageID) { f.pageID = id }
func (f *Frame) Page() *Page         { return &f.page }
func (f *Frame) IsDirty() bool       { return f.isDirty }
func (f *Frame) SetDirty(dirty bool) { f.isDirty = dirty }
func (f *Frame) PinCount() uint32    { return f.pinCount }
func (f *Frame) Pin()                { f.pinCount++ }
func (f *Frame) IsResident() bool    { return f.pageID != InvalidPageID }

// Unpin decrements the pin count and reports false if it was already zero.
func (f *Frame) Unpin() bool {
	if f.pinCount == 0 {
		return false
	}
	f.pinCount--
	return true
}
