package cg_modbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt32RoundTrip(t *testing.T) {

	assert := assert.New(t)

	reg := NewInt32Reg(0x0000, 2, "/Test", 1, "").Writable(-1<<31, 1<<31-1)

	for _, raw := range [][]uint16{
		{0x0000, 0x0000},
		{0x0001, 0x0000},
		{0xffff, 0xffff},
		{0x1234, 0x8000},
		{0xfffe, 0x7fff},
	} {
		err := reg.Decode(raw)
		if err != nil {
			t.Error(err)
			return
		}
		words, err := reg.Encode(reg.Value())
		if err != nil {
			t.Error(err)
			return
		}
		assert.Equal(raw, words, "round trip of %v", raw)
	}
}

func TestInt32DecodeScaled(t *testing.T) {

	assert := assert.New(t)

	reg := NewInt32Reg(0x0028, 2, PATH_AC_POWER, 10, "%.1f W")
	err := reg.Decode([]uint16{0xfc18, 0xffff})
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(-100.0, reg.Float())
	assert.Equal("-100.0 W", reg.String())
	assert.Equal(uint(1), reg.Decimals())
}

func TestVersionDecode(t *testing.T) {

	assert := assert.New(t)

	reg := NewVersionReg(REG_FIRMWARE_VER, 1, PATH_FIRMWARE_VERSION)
	err := reg.Decode([]uint16{0x1234})
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(Version{Major: 1, Minor: 2, Patch: 0x34}, reg.Version())
	assert.Equal("1.2.52", reg.String())
	assert.Equal(uint32(0x010234), reg.Version().Int())
}

func TestTextDecode(t *testing.T) {

	assert := assert.New(t)

	packed := NewTextReg(REG_SERIAL, 7, PATH_SERIAL, TextPacked)
	err := packed.Decode(encodeText("BX1234567", 7, TextPacked))
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal("BX1234567", packed.String())

	perChar := NewTextReg(REG_SERIAL, 7, PATH_SERIAL, TextWordPerChar)
	err = perChar.Decode(encodeText("KY12", 7, TextWordPerChar))
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal("KY12", perChar.String())

	assert.Error(packed.Decode([]uint16{1, 2}), "word count mismatch")
}

func TestMappedRegister(t *testing.T) {

	assert := assert.New(t)

	reg := NewMappedReg(REG_PHASE_CONFIG, 1, PATH_PHASE_CONFIG, em24Def.phaseSymbols()).Writable(0, 4)

	err := reg.Decode([]uint16{3})
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal("1P", reg.String())
	assert.Equal(uint16(3), reg.Mapped().Code)

	err = reg.Decode([]uint16{9})
	assert.True(errors.Is(err, ErrDecodeRange), "unknown code")

	words, err := reg.Encode("3p.n")
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal([]uint16{0}, words)

	words, err = reg.Encode(2)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal([]uint16{2}, words)

	_, err = reg.Encode(5)
	assert.True(errors.Is(err, ErrValueOutOfRange), "code above writable range")

	et340 := NewMappedReg(REG_PHASE_CONFIG, 1, PATH_PHASE_CONFIG, et340Def.phaseSymbols()).Writable(0, 3)
	_, err = et340.Encode(4)
	assert.True(errors.Is(err, ErrValueOutOfRange), "model specific writable range")
}

func TestEncodeRejectsOutOfRange(t *testing.T) {

	assert := assert.New(t)

	reg := NewUint16Reg(0x0100, 1, "/Limit", 10, "").Writable(0, 1000)

	words, err := reg.Encode(100.0)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal([]uint16{1000}, words)

	_, err = reg.Encode(100.1)
	assert.True(errors.Is(err, ErrValueOutOfRange), "never clamps")

	readOnly := NewUint16Reg(0x0033, 1, PATH_AC_FREQUENCY, 10, "")
	_, err = readOnly.Encode(50)
	assert.True(errors.Is(err, ErrNotWritable))
}

func TestRegisterWordCountPanics(t *testing.T) {
	assert.Panics(t, func() { NewInt32Reg(0x0000, 1, "/Bad", 1, "") })
	assert.Panics(t, func() { NewVersionReg(0x0000, 2, "/Bad") })
}
