package cg_modbus

import (
	"context"
	"fmt"
)

// maxReadWords is the protocol limit for a single read holding registers request.
const maxReadWords = 125

// RegisterSet is an ordered list of registers read in sequence.
type RegisterSet []Register

// Find returns the register published under path.
func (rs RegisterSet) Find(path string) Register {
	for _, r := range rs {
		if r.Path() == path {
			return r
		}
	}
	return nil
}

func (rs RegisterSet) Paths() []string {
	paths := make([]string, 0, len(rs))
	for _, r := range rs {
		paths = append(paths, r.Path())
	}
	return paths
}

// Read fetches and decodes every register in order. Registers that are adjacent
// in the address space are fetched with one request. A transport failure aborts
// the read; decode failures are returned per register and do not stop the others.
func (rs RegisterSet) Read(ctx context.Context, t Transport, unit uint8) ([]*RegisterError, error) {
	var decodeErrs []*RegisterError
	for _, span := range rs.spans() {
		first := span[0]
		words := uint16(0)
		for _, r := range span {
			words += r.Count()
		}
		raw, err := t.ReadRegisters(ctx, unit, first.Address(), words)
		if err != nil {
			return decodeErrs, transportError(fmt.Sprintf("read 0x%04x+%d", first.Address(), words), err)
		}
		if len(raw) != int(words) {
			return decodeErrs, transportError(fmt.Sprintf("read 0x%04x+%d", first.Address(), words),
				fmt.Errorf("short response: %d words", len(raw)))
		}
		offset := uint16(0)
		for _, r := range span {
			if err := r.Decode(raw[offset : offset+r.Count()]); err != nil {
				decodeErrs = append(decodeErrs, &RegisterError{Path: r.Path(), Err: err})
			}
			offset += r.Count()
		}
	}
	return decodeErrs, nil
}

// spans groups consecutive registers that form a contiguous address range.
func (rs RegisterSet) spans() [][]Register {
	var spans [][]Register
	var cur []Register
	var next, words uint16
	for _, r := range rs {
		if len(cur) > 0 && r.Address() == next && words+r.Count() <= maxReadWords {
			cur = append(cur, r)
		} else {
			if len(cur) > 0 {
				spans = append(spans, cur)
			}
			cur = []Register{r}
			words = 0
		}
		words += r.Count()
		next = r.Address() + r.Count()
	}
	if len(cur) > 0 {
		spans = append(spans, cur)
	}
	return spans
}
