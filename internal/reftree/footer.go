package reftree

import (
	"encoding/binary"
	"fmt"

	"github.com/scigolib/mrklcache/internal/errs"
)

// FooterLength is the fixed, bit-exact size of the trailing footer (spec §6.2).
const FooterLength = 58

const (
	versionCurrent = 0x01
	hashAlgSHA256  = 0x01
	digestLenSHA256 = 32
)

// Footer is the fixed-layout trailer written after the leaf-hash region of a
// .mref (or .mrkl) file. Field order and widths are bit-exact and must not
// change without bumping version.
//
// The reference file (.mref) never uses BitmapOffset/BitmapLength and writes
// them as zero; the state file (.mrkl, package state) mirrors this exact
// layout but sets them to locate its validity bitmap, inserted between the
// leaf-hash region and this footer (spec §6.3).
type Footer struct {
	Version       uint8
	Flags         uint8
	HashAlgID     uint8
	DigestLen     uint8
	TotalDataSize uint64
	NLeaves       uint32
	BitmapOffset  uint32
	BitmapLength  uint32
	FileDigest    [32]byte
	FooterLength  uint16
}

// Encode writes the footer in its fixed big-endian layout.
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterLength)
	buf[0] = f.Version
	buf[1] = f.Flags
	buf[2] = f.HashAlgID
	buf[3] = f.DigestLen
	binary.BigEndian.PutUint64(buf[4:12], f.TotalDataSize)
	binary.BigEndian.PutUint32(buf[12:16], f.NLeaves)
	binary.BigEndian.PutUint32(buf[16:20], f.BitmapOffset)
	binary.BigEndian.PutUint32(buf[20:24], f.BitmapLength)
	copy(buf[24:56], f.FileDigest[:])
	binary.BigEndian.PutUint16(buf[56:58], f.FooterLength)
	return buf
}

// DecodeFooter parses a FooterLength-byte buffer into a Footer, validating
// the fields that must hold for any supported file.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterLength {
		return Footer{}, errs.New(errs.Corrupt, fmt.Sprintf("footer must be %d bytes, got %d", FooterLength, len(buf)))
	}

	f := Footer{
		Version:       buf[0],
		Flags:         buf[1],
		HashAlgID:     buf[2],
		DigestLen:     buf[3],
		TotalDataSize: binary.BigEndian.Uint64(buf[4:12]),
		NLeaves:       binary.BigEndian.Uint32(buf[12:16]),
		BitmapOffset:  binary.BigEndian.Uint32(buf[16:20]),
		BitmapLength:  binary.BigEndian.Uint32(buf[20:24]),
		FooterLength:  binary.BigEndian.Uint16(buf[56:58]),
	}
	copy(f.FileDigest[:], buf[24:56])

	if f.Version != versionCurrent {
		return Footer{}, errs.New(errs.Corrupt, fmt.Sprintf("unsupported footer version %d", f.Version))
	}
	if f.HashAlgID != hashAlgSHA256 {
		return Footer{}, errs.New(errs.Corrupt, fmt.Sprintf("unsupported hash algorithm id %d", f.HashAlgID))
	}
	if f.DigestLen != digestLenSHA256 {
		return Footer{}, errs.New(errs.Corrupt, fmt.Sprintf("unsupported digest length %d", f.DigestLen))
	}
	if f.FooterLength != FooterLength {
		return Footer{}, errs.New(errs.Corrupt, fmt.Sprintf("unsupported footer length %d", f.FooterLength))
	}

	return f, nil
}

// VersionCurrent, HashAlgSHA256, and DigestLenSHA256 expose the footer's
// supported constants to other packages (package state validates against
// the same values when it writes its own mirrored footer).
const (
	VersionCurrent  = versionCurrent
	HashAlgSHA256   = hashAlgSHA256
	DigestLenSHA256 = digestLenSHA256
)
