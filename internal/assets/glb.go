package assets

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidGLB marks payloads that are not a well-formed binary glTF
// container.
var ErrInvalidGLB = errors.New("invalid glb container")

const (
	glbHeaderSize = 12
	glbMagic      = 0x46546C67 // "glTF" little-endian
	glbVersion    = 2
)

// ValidateGLB checks the 12-byte GLB header: magic, container version and
// declared total length. Chunk contents are not inspected.
func ValidateGLB(data []byte) error {
	if len(data) < glbHeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidGLB, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != glbMagic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrInvalidGLB, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != glbVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidGLB, version)
	}
	if declared := binary.LittleEndian.Uint32(data[8:12]); int(declared) != len(data) {
		return fmt.Errorf("%w: declared length %d, actual %d", ErrInvalidGLB, declared, len(data))
	}
	return nil
}
