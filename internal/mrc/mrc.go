// Package mrc reads the fixed 1024-byte header of MRC image stacks and
// volumes. Only the fields the pipeline consumes are exposed: grid
// dimensions for section counts and cell dimensions for voxel size.
package mrc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// HeaderSize is the fixed MRC main header length in bytes.
const HeaderSize = 1024

// Header carries the subset of MRC header fields the pipeline reads.
type Header struct {
	NX, NY, NZ       int32
	Mode             int32
	MX, MY, MZ       int32
	XLen, YLen, ZLen float32
}

// Sections returns the number of images in the stack (NZ).
func (h *Header) Sections() int {
	return int(h.NZ)
}

// VoxelSize returns the voxel edge lengths in angstroms per axis. Axes with
// a zero sampling grid report zero.
func (h *Header) VoxelSize() (x, y, z float64) {
	if h.MX != 0 {
		x = float64(h.XLen) / float64(h.MX)
	}
	if h.MY != 0 {
		y = float64(h.YLen) / float64(h.MY)
	}
	if h.MZ != 0 {
		z = float64(h.ZLen) / float64(h.MZ)
	}
	return x, y, z
}

// PixelSize returns the common voxel edge length rounded to two decimals
// when all three axes agree, matching how the reconstruction directives
// consume it. ok is false when the axes disagree.
func (h *Header) PixelSize() (float64, bool) {
	x, y, z := h.VoxelSize()
	rx := math.Round(x*100) / 100
	ry := math.Round(y*100) / 100
	rz := math.Round(z*100) / 100
	if rx != ry || ry != rz {
		return 0, false
	}
	return rx, true
}

// ReadHeader reads the main header of the MRC file at path.
func ReadHeader(path string) (*Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeHeader(file)
}

// DecodeHeader parses a main header from r.
func DecodeHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read mrc header: %w", err)
	}

	order := headerByteOrder(buf)
	h := &Header{
		NX:   int32(order.Uint32(buf[0:4])),
		NY:   int32(order.Uint32(buf[4:8])),
		NZ:   int32(order.Uint32(buf[8:12])),
		Mode: int32(order.Uint32(buf[12:16])),
		MX:   int32(order.Uint32(buf[28:32])),
		MY:   int32(order.Uint32(buf[32:36])),
		MZ:   int32(order.Uint32(buf[36:40])),
		XLen: math.Float32frombits(order.Uint32(buf[40:44])),
		YLen: math.Float32frombits(order.Uint32(buf[44:48])),
		ZLen: math.Float32frombits(order.Uint32(buf[48:52])),
	}
	if h.NX < 0 || h.NY < 0 || h.NZ < 0 {
		return nil, fmt.Errorf("invalid mrc dimensions %dx%dx%d", h.NX, h.NY, h.NZ)
	}
	return h, nil
}

// headerByteOrder inspects the machine stamp at byte 212. 0x44 marks
// little-endian data; 0x11 marks big-endian. Files predating the stamp
// default to little-endian, which matches every acquisition system in use.
func headerByteOrder(buf []byte) binary.ByteOrder {
	if buf[212] == 0x11 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
