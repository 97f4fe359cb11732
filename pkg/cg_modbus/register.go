package cg_modbus

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Register describes one value in the meter address space. Decode stores the
// decoded value, which is then available through Value and String.
type Register interface {
	Address() uint16
	Count() uint16
	Path() string
	Decode(raw []uint16) error
	Value() any
	String() string
}

// WritableRegister is a Register that accepts values from the bus. Range bounds
// are inclusive and expressed in raw register units.
type WritableRegister interface {
	Register
	Encode(value any) ([]uint16, error)
	Range() (int64, int64)
}

type regBase struct {
	addr  uint16
	count uint16
	path  string
	valid bool
}

func newRegBase(addr, count uint16, path string, want uint16) regBase {
	if count != want {
		panic(fmt.Sprintf("cg_modbus: register %s at 0x%04x needs %d words, got %d", path, addr, want, count))
	}
	return regBase{addr: addr, count: count, path: path}
}

func (r *regBase) Address() uint16 { return r.addr }
func (r *regBase) Count() uint16   { return r.count }
func (r *regBase) Path() string    { return r.path }

// Valid reports whether the register holds a decoded value.
func (r *regBase) Valid() bool { return r.valid }

func (r *regBase) checkLen(raw []uint16) error {
	if len(raw) != int(r.count) {
		return fmt.Errorf("%s: expected %d words, got %d", r.path, r.count, len(raw))
	}
	return nil
}

type valueRange struct {
	min, max int64
}

func (vr *valueRange) check(v int64) error {
	if vr == nil {
		return ErrNotWritable
	}
	if v < vr.min || v > vr.max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrValueOutOfRange, v, vr.min, vr.max)
	}
	return nil
}

func (vr *valueRange) bounds() (int64, int64) {
	if vr == nil {
		return 0, 0
	}
	return vr.min, vr.max
}

// numeric is shared by the scaled integer registers.
type numeric struct {
	regBase
	scale    float64
	format   string
	writable *valueRange
	value    float64
}

func newNumeric(base regBase, scale int, format string) numeric {
	s := float64(scale)
	if scale == 0 {
		s = 1
	}
	return numeric{regBase: base, scale: s, format: format}
}

func (r *numeric) set(raw int64) {
	r.value = float64(raw) / r.scale
	r.valid = true
}

func (r *numeric) Value() any { return r.value }

func (r *numeric) Float() float64 { return r.value }

// Decimals is the number of fractional digits the scale can produce.
func (r *numeric) Decimals() uint {
	if r.scale <= 1 {
		return 0
	}
	return uint(math.Ceil(math.Log10(r.scale)))
}

func (r *numeric) String() string {
	if r.format == "" {
		return strconv.FormatFloat(r.value, 'f', -1, 64)
	}
	return fmt.Sprintf(r.format, r.value)
}

func (r *numeric) Range() (int64, int64) { return r.writable.bounds() }

func (r *numeric) rawFor(value any) (int64, error) {
	v, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	raw := int64(math.Round(v * r.scale))
	if err := r.writable.check(raw); err != nil {
		return 0, err
	}
	return raw, nil
}

type Uint16Reg struct {
	numeric
}

func NewUint16Reg(addr, count uint16, path string, scale int, format string) *Uint16Reg {
	return &Uint16Reg{numeric: newNumeric(newRegBase(addr, count, path, 1), scale, format)}
}

func (r *Uint16Reg) Decode(raw []uint16) error {
	if err := r.checkLen(raw); err != nil {
		return err
	}
	r.set(int64(raw[0]))
	return nil
}

func (r *Uint16Reg) Writable(lo, hi int64) *Uint16Reg {
	r.writable = &valueRange{min: max(lo, 0), max: min(hi, math.MaxUint16)}
	return r
}

func (r *Uint16Reg) Encode(value any) ([]uint16, error) {
	raw, err := r.rawFor(value)
	if err != nil {
		return nil, err
	}
	return []uint16{uint16(raw)}, nil
}

type Int16Reg struct {
	numeric
}

func NewInt16Reg(addr, count uint16, path string, scale int, format string) *Int16Reg {
	return &Int16Reg{numeric: newNumeric(newRegBase(addr, count, path, 1), scale, format)}
}

func (r *Int16Reg) Decode(raw []uint16) error {
	if err := r.checkLen(raw); err != nil {
		return err
	}
	r.set(int64(int16(raw[0])))
	return nil
}

func (r *Int16Reg) Writable(lo, hi int64) *Int16Reg {
	r.writable = &valueRange{min: max(lo, math.MinInt16), max: min(hi, math.MaxInt16)}
	return r
}

func (r *Int16Reg) Encode(value any) ([]uint16, error) {
	raw, err := r.rawFor(value)
	if err != nil {
		return nil, err
	}
	return []uint16{uint16(int16(raw))}, nil
}

// Int32Reg is a signed 32 bit value stored low word first.
type Int32Reg struct {
	numeric
}

func NewInt32Reg(addr, count uint16, path string, scale int, format string) *Int32Reg {
	return &Int32Reg{numeric: newNumeric(newRegBase(addr, count, path, 2), scale, format)}
}

func (r *Int32Reg) Decode(raw []uint16) error {
	if err := r.checkLen(raw); err != nil {
		return err
	}
	r.set(int64(int32(uint32(raw[1])<<16 | uint32(raw[0]))))
	return nil
}

func (r *Int32Reg) Writable(lo, hi int64) *Int32Reg {
	r.writable = &valueRange{min: max(lo, math.MinInt32), max: min(hi, math.MaxInt32)}
	return r
}

func (r *Int32Reg) Encode(value any) ([]uint16, error) {
	raw, err := r.rawFor(value)
	if err != nil {
		return nil, err
	}
	u := uint32(int32(raw))
	return []uint16{uint16(u), uint16(u >> 16)}, nil
}

type Version struct {
	Major, Minor, Patch uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) Int() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

// VersionReg unpacks major.minor.patch from a single word as 4/4/8 bits.
type VersionReg struct {
	regBase
	value Version
}

func NewVersionReg(addr, count uint16, path string) *VersionReg {
	return &VersionReg{regBase: newRegBase(addr, count, path, 1)}
}

func (r *VersionReg) Decode(raw []uint16) error {
	if err := r.checkLen(raw); err != nil {
		return err
	}
	v := raw[0]
	r.value = Version{Major: v >> 12, Minor: v >> 8 & 0xf, Patch: v & 0xff}
	r.valid = true
	return nil
}

func (r *VersionReg) Value() any       { return r.value }
func (r *VersionReg) Version() Version { return r.value }
func (r *VersionReg) String() string   { return r.value.String() }

type TextEncoding int

const (
	// TextPacked holds two characters per word, high byte first.
	TextPacked TextEncoding = iota
	// TextWordPerChar holds one character in the low byte of each word.
	TextWordPerChar
)

type TextReg struct {
	regBase
	encoding TextEncoding
	value    string
}

func NewTextReg(addr, count uint16, path string, encoding TextEncoding) *TextReg {
	if count == 0 {
		panic(fmt.Sprintf("cg_modbus: text register %s has no words", path))
	}
	return &TextReg{regBase: regBase{addr: addr, count: count, path: path}, encoding: encoding}
}

func (r *TextReg) Decode(raw []uint16) error {
	if err := r.checkLen(raw); err != nil {
		return err
	}
	var b []byte
	for _, w := range raw {
		switch r.encoding {
		case TextWordPerChar:
			b = append(b, byte(w))
		default:
			b = append(b, byte(w>>8), byte(w))
		}
	}
	r.value = strings.TrimRight(string(b), "\x00 ")
	r.valid = true
	return nil
}

func (r *TextReg) Value() any     { return r.value }
func (r *TextReg) String() string { return r.value }

type Symbol struct {
	Index int
	Label string
}

// SymbolTable maps raw codes to symbols. Tables are built once and never mutated.
type SymbolTable map[uint16]Symbol

type MappedValue struct {
	Code uint16
	Symbol
}

type MappedReg struct {
	regBase
	table    SymbolTable
	writable *valueRange
	value    MappedValue
}

func NewMappedReg(addr, count uint16, path string, table SymbolTable) *MappedReg {
	return &MappedReg{regBase: newRegBase(addr, count, path, 1), table: table}
}

func (r *MappedReg) Decode(raw []uint16) error {
	if err := r.checkLen(raw); err != nil {
		return err
	}
	sym, ok := r.table[raw[0]]
	if !ok {
		return fmt.Errorf("%w: %s: 0x%04x", ErrDecodeRange, r.path, raw[0])
	}
	r.value = MappedValue{Code: raw[0], Symbol: sym}
	r.valid = true
	return nil
}

func (r *MappedReg) Writable(lo, hi int64) *MappedReg {
	r.writable = &valueRange{min: max(lo, 0), max: min(hi, math.MaxUint16)}
	return r
}

func (r *MappedReg) Value() any          { return r.value }
func (r *MappedReg) Mapped() MappedValue { return r.value }
func (r *MappedReg) String() string      { return r.value.Label }

func (r *MappedReg) Range() (int64, int64) { return r.writable.bounds() }

// Encode accepts a raw code or a symbol label.
func (r *MappedReg) Encode(value any) ([]uint16, error) {
	if label, ok := value.(string); ok {
		for code, sym := range r.table {
			if strings.EqualFold(sym.Label, label) {
				value = int64(code)
				break
			}
		}
	}
	v, err := toFloat(value)
	if err != nil {
		return nil, err
	}
	code := int64(math.Round(v))
	if err := r.writable.check(code); err != nil {
		return nil, err
	}
	if _, ok := r.table[uint16(code)]; !ok {
		return nil, fmt.Errorf("%w: %s has no symbol for %d", ErrValueOutOfRange, r.path, code)
	}
	return []uint16{uint16(code)}, nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", value)
	}
}
