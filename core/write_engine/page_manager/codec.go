package pagemanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrRecordTooLarge = errors.New("record does not fit in a page")
	ErrNotFixedSize   = errors.New("record is not a fixed-size value")
)

// ToBuffer encodes a fixed-size value (little endian) into a zero-padded page.
func ToBuffer(v any) (*Page, error) {
	size := binary.Size(v)
	if size < 0 {
		return nil, fmt.Errorf("%w: %T", ErrNotFixedSize, v)
	}
	if size > PageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	var p Page
	copy(p[:], buf.Bytes())
	return &p, nil
}

// FromBuffer decodes the leading bytes of p into v, which must be a pointer
// to a fixed-size value. Trailing padding is ignored.
func FromBuffer(p *Page, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("%w: %T", ErrNotFixedSize, v)
	}
	if size > PageSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	if err := binary.Read(bytes.NewReader(p[:size]), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
