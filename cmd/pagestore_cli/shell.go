package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

var errQuit = errors.New("quit")

// shell executes one command line at a time against a buffer pool. It keeps
// the handle of every page the user has pinned so write/read can reach it,
// and remembers pages written since their last dirty unpin.
type shell struct {
	bpm     *memtable.BufferPoolManager
	disk    *flushmanager.DiskManager
	out     io.Writer
	pinned  map[pagemanager.PageID]*memtable.PageHandle
	pins    map[pagemanager.PageID]int
	written map[pagemanager.PageID]bool
}

func newShell(bpm *memtable.BufferPoolManager, disk *flushmanager.DiskManager, out io.Writer) *shell {
	return &shell{
		bpm:     bpm,
		disk:    disk,
		out:     out,
		pinned:  make(map[pagemanager.PageID]*memtable.PageHandle),
		pins:    make(map[pagemanager.PageID]int),
		written: make(map[pagemanager.PageID]bool),
	}
}

// execute runs one command. It returns errQuit for exit/quit.
func (sh *shell) execute(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "new":
		h, ok, err := sh.bpm.NewPage()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(sh.out, "buffer pool exhausted: unpin a page and retry")
			return nil
		}
		sh.track(h)
		fmt.Fprintf(sh.out, "page %d created and pinned\n", h.PageID())
	case "fetch":
		id, err := pageArg(args)
		if err != nil {
			return err
		}
		h, ok, err := sh.bpm.FetchPage(id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(sh.out, "buffer pool exhausted: unpin a page and retry")
			return nil
		}
		sh.track(h)
		pins, _ := sh.bpm.PinCount(id)
		fmt.Fprintf(sh.out, "page %d pinned (pin count %d)\n", id, pins)
	case "write":
		id, err := pageArg(args)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return errors.New("usage: write <page_id> <text>")
		}
		h, err := sh.handle(id)
		if err != nil {
			return err
		}
		text := strings.Join(args[2:], " ")
		if len(text) > pagemanager.PageSize {
			return fmt.Errorf("text is %d bytes, a page holds %d", len(text), pagemanager.PageSize)
		}
		if err := h.Write(func(p *pagemanager.Page) {
			*p = pagemanager.Page{}
			copy(p[:], text)
		}); err != nil {
			return err
		}
		sh.written[id] = true
		fmt.Fprintf(sh.out, "wrote %d bytes to page %d (unpin with dirty=true to keep them)\n", len(text), id)
	case "read":
		id, err := pageArg(args)
		if err != nil {
			return err
		}
		h, err := sh.handle(id)
		if err != nil {
			return err
		}
		data, err := h.Data()
		if err != nil {
			return err
		}
		if n := bytes.IndexByte(data[:], 0); n >= 0 {
			fmt.Fprintf(sh.out, "%q\n", data[:n])
		} else {
			fmt.Fprintf(sh.out, "%q\n", data[:])
		}
	case "unpin":
		id, err := pageArg(args)
		if err != nil {
			return err
		}
		dirty := false
		if len(args) > 2 {
			if dirty, err = strconv.ParseBool(args[2]); err != nil {
				return fmt.Errorf("dirty flag: %w", err)
			}
		}
		if !sh.bpm.UnpinPage(id, dirty) {
			fmt.Fprintf(sh.out, "page %d is not resident or not pinned\n", id)
			return nil
		}
		if dirty {
			delete(sh.written, id)
		}
		sh.untrack(id)
		fmt.Fprintf(sh.out, "page %d unpinned\n", id)
	case "flush":
		id, err := pageArg(args)
		if err != nil {
			return err
		}
		ok, err := sh.bpm.FlushPage(id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(sh.out, "page %d is not resident\n", id)
			return nil
		}
		fmt.Fprintf(sh.out, "page %d flushed\n", id)
	case "flushall":
		if err := sh.bpm.FlushAllPages(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "all dirty pages flushed")
	case "delete":
		id, err := pageArg(args)
		if err != nil {
			return err
		}
		if !sh.bpm.DeletePage(id) {
			fmt.Fprintf(sh.out, "page %d is not resident or still pinned\n", id)
			return nil
		}
		fmt.Fprintf(sh.out, "page %d deleted\n", id)
	case "alloc":
		id, err := sh.bpm.AllocPage()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "page %d allocated on disk\n", id)
	case "stats":
		ps := sh.bpm.Stats()
		ds, err := sh.disk.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "pool: size=%d free=%d resident=%d pinned=%d dirty=%d evictable=%d\n",
			ps.PoolSize, ps.FreeFrames, ps.ResidentPages, ps.PinnedPages, ps.DirtyPages, ps.Evictable)
		fmt.Fprintf(sh.out, "disk: pages=%d writes=%d flushes=%d last_write=%d\n",
			ds.NumPages, ds.NumWrites, ds.NumFlushes, ds.LastWrite)
	case "help":
		fmt.Fprintln(sh.out, "Commands:")
		fmt.Fprintln(sh.out, "  new                      allocate and pin a new page")
		fmt.Fprintln(sh.out, "  fetch <id>               pin a page, reading it from disk if needed")
		fmt.Fprintln(sh.out, "  write <id> <text>        overwrite a pinned page with text")
		fmt.Fprintln(sh.out, "  read <id>                print a pinned page as text")
		fmt.Fprintln(sh.out, "  unpin <id> [dirty]       release one pin, dirty=true marks it modified")
		fmt.Fprintln(sh.out, "  flush <id> | flushall    write pages back to disk")
		fmt.Fprintln(sh.out, "  delete <id>              drop an unpinned page from the pool")
		fmt.Fprintln(sh.out, "  alloc                    append a page on disk without caching it")
		fmt.Fprintln(sh.out, "  stats | help | exit")
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

func (sh *shell) track(h *memtable.PageHandle) {
	sh.pinned[h.PageID()] = h
	sh.pins[h.PageID()]++
}

func (sh *shell) untrack(id pagemanager.PageID) {
	sh.pins[id]--
	if sh.pins[id] <= 0 {
		delete(sh.pins, id)
		delete(sh.pinned, id)
		delete(sh.written, id)
	}
}

func (sh *shell) handle(id pagemanager.PageID) (*memtable.PageHandle, error) {
	h, ok := sh.pinned[id]
	if !ok {
		return nil, fmt.Errorf("page %d is not pinned by this shell, fetch it first", id)
	}
	return h, nil
}

// releaseAll drops every pin the shell still holds, used on exit. Pages
// written through the shell are released dirty so the final flush keeps them.
func (sh *shell) releaseAll() {
	for id, n := range sh.pins {
		for i := 0; i < n; i++ {
			sh.bpm.UnpinPage(id, sh.written[id])
		}
	}
	sh.pins = make(map[pagemanager.PageID]int)
	sh.pinned = make(map[pagemanager.PageID]*memtable.PageHandle)
	sh.written = make(map[pagemanager.PageID]bool)
}

func pageArg(args []string) (pagemanager.PageID, error) {
	if len(args) < 2 {
		return pagemanager.InvalidPageID, fmt.Errorf("%s requires a page id", args[0])
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || n < 0 {
		return pagemanager.InvalidPageID, fmt.Errorf("invalid page id %q", args[1])
	}
	return pagemanager.PageID(n), nil
}
