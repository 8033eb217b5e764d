// Package zipcd parses a ZIP archive's central directory from range reads
// alone, without downloading the archive body, per §4.1. It is a bespoke
// reader rather than an import of minio/zipindex: the payload-offset
// contract (HeaderOffset must equal the local-header offset translated
// through the first member's actual payload start, not the raw central
// directory offset) and the CP437/UTF-8 filename decoding requirement
// (flag bit 11) aren't expressed by zipindex's public API, whose Offset
// field is the untranslated local-header offset and which assumes UTF-8.
// The EOCD/ZIP64-locator scan order follows that reader's structure.
package zipcd

import (
	"bytes"
	"context"
	"encoding/binary"
	"regexp"
	"strconv"

	"golang.org/x/text/encoding/charmap"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

const module = "zipcd"

const (
	localFileHeaderSig = 0x04034b50
	centralDirSig      = 0x02014b50
	eocdSig            = 0x06054b50
	zip64EOCDSig        = 0x06064b50
	zip64LocatorSig     = 0x07064b50

	eocdFixedSize       = 22
	zip64LocatorSize    = 20
	zip64EOCDFixedSize  = 56
	centralDirFixedSize = 46
	localHeaderFixedSize = 30

	maxSupportedExtractVersion = 63
)

// RangeReader fetches exactly length bytes starting at off from the
// archive's underlying source (FTP/SFTP), matching ndsclient.ReadRange.
type RangeReader func(off, length int64) ([]byte, error)

var enodebPattern = regexp.MustCompile(`_(\d{6,8})_`)

// Parse reads the tail of the archive at path (size bytes total) to locate
// and decode the central directory, returning one MemberInfo per entry with
// HeaderOffset already translated to a payload offset per §4.1.
func Parse(ctx context.Context, path string, size int64, read RangeReader) (*ndsmodel.ArchiveInfo, error) {
	if size < eocdFixedSize {
		return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "archive smaller than EOCD record", pipelineerr.LevelWarn, nil)
	}

	// Tail scan: the EOCD record sits at the very end, but may be followed
	// by a zero-length comment (the common case) or a variable-length one;
	// we only support the common, comment-free tail per §4.1/§9.
	tailLen := int64(eocdFixedSize)
	if tailLen > size {
		tailLen = size
	}
	tail, err := read(size-tailLen, tailLen)
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindTransient, module, "read eocd tail failed", pipelineerr.LevelWarn, err)
	}
	eocdOff := bytes.LastIndex(tail, leUint32Bytes(eocdSig))
	if eocdOff < 0 {
		return nil, pipelineerr.New(pipelineerr.KindUnsupportedZip, module, "eocd not found in tail (comment present?)", pipelineerr.LevelWarn, nil)
	}
	eocd := tail[eocdOff:]
	if len(eocd) < eocdFixedSize {
		return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "truncated eocd record", pipelineerr.LevelWarn, nil)
	}

	diskNum := binary.LittleEndian.Uint16(eocd[4:6])
	cdDisk := binary.LittleEndian.Uint16(eocd[6:8])
	cdEntriesThisDisk := binary.LittleEndian.Uint16(eocd[8:10])
	cdEntriesTotal := binary.LittleEndian.Uint16(eocd[10:12])
	cdSize := uint64(binary.LittleEndian.Uint32(eocd[12:16]))
	cdOffset := uint64(binary.LittleEndian.Uint32(eocd[16:20]))

	if diskNum != 0 || cdDisk != 0 {
		return nil, pipelineerr.New(pipelineerr.KindUnsupportedZip, module, "multi-disk archives not supported", pipelineerr.LevelWarn, nil)
	}

	numEntries := uint64(cdEntriesTotal)
	needsZip64 := cdEntriesTotal == 0xffff || cdEntriesThisDisk == 0xffff || cdSize == 0xffffffff || cdOffset == 0xffffffff
	if needsZip64 {
		locatorStart := size - tailLen - zip64LocatorSize
		if locatorStart < 0 {
			return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "zip64 eocd locator out of range", pipelineerr.LevelWarn, nil)
		}
		locator, err := read(locatorStart, zip64LocatorSize)
		if err != nil {
			return nil, pipelineerr.New(pipelineerr.KindTransient, module, "read zip64 locator failed", pipelineerr.LevelWarn, err)
		}
		if len(locator) < zip64LocatorSize || binary.LittleEndian.Uint32(locator[0:4]) != zip64LocatorSig {
			return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "missing zip64 locator magic", pipelineerr.LevelWarn, nil)
		}
		locatorDisk := binary.LittleEndian.Uint32(locator[4:8])
		zip64EOCDOffset := binary.LittleEndian.Uint64(locator[8:16])
		totalDisks := binary.LittleEndian.Uint32(locator[16:20])
		if locatorDisk != 0 || totalDisks > 1 {
			return nil, pipelineerr.New(pipelineerr.KindUnsupportedZip, module, "multi-disk zip64 archives not supported", pipelineerr.LevelWarn, nil)
		}
		z64, err := read(int64(zip64EOCDOffset), zip64EOCDFixedSize)
		if err != nil {
			return nil, pipelineerr.New(pipelineerr.KindTransient, module, "read zip64 eocd failed", pipelineerr.LevelWarn, err)
		}
		if len(z64) < zip64EOCDFixedSize || binary.LittleEndian.Uint32(z64[0:4]) != zip64EOCDSig {
			return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "missing zip64 eocd magic", pipelineerr.LevelWarn, nil)
		}
		numEntries = binary.LittleEndian.Uint64(z64[32:40])
		cdSize = binary.LittleEndian.Uint64(z64[40:48])
		cdOffset = binary.LittleEndian.Uint64(z64[48:56])
	}

	// An EOCD-only archive (no members, size == eocdFixedSize, cdSize == 0)
	// is a valid zero-member zip per §8; nothing downstream needs a local
	// header to translate, so skip straight to an empty result.
	if numEntries == 0 && cdSize == 0 {
		return &ndsmodel.ArchiveInfo{FilePath: path, Size: size, Members: nil}, nil
	}

	if cdSize == 0 || cdSize > uint64(size) {
		return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "central directory size out of range", pipelineerr.LevelWarn, nil)
	}
	cdBytes, err := read(int64(cdOffset), int64(cdSize))
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindTransient, module, "read central directory failed", pipelineerr.LevelWarn, err)
	}

	// firstMemberPayloadStart: read the first local file header to learn
	// where the first member's compressed payload actually begins, since
	// local header sizes vary with filename/extra-field length. Only needed
	// once we know there is at least one member to translate an offset for.
	firstHeader, err := read(0, localHeaderFixedSize)
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindTransient, module, "read local header failed", pipelineerr.LevelWarn, err)
	}
	if len(firstHeader) < localHeaderFixedSize || binary.LittleEndian.Uint32(firstHeader[0:4]) != localFileHeaderSig {
		return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "missing local file header magic", pipelineerr.LevelWarn, nil)
	}
	firstNameLen := binary.LittleEndian.Uint16(firstHeader[26:28])
	firstExtraLen := binary.LittleEndian.Uint16(firstHeader[28:30])
	firstMemberPayloadStart := int64(localHeaderFixedSize) + int64(firstNameLen) + int64(firstExtraLen)

	members := make([]ndsmodel.MemberInfo, 0, numEntries)
	pos := 0
	for pos+centralDirFixedSize <= len(cdBytes) {
		if binary.LittleEndian.Uint32(cdBytes[pos:pos+4]) != centralDirSig {
			break
		}
		rec := cdBytes[pos : pos+centralDirFixedSize]
		extractVersion := binary.LittleEndian.Uint16(rec[6:8]) & 0xff
		flagBits := binary.LittleEndian.Uint16(rec[8:10])
		compressType := binary.LittleEndian.Uint16(rec[10:12])
		compressSize := uint64(binary.LittleEndian.Uint32(rec[20:24]))
		uncompressSize := uint64(binary.LittleEndian.Uint32(rec[24:28]))
		nameLen := binary.LittleEndian.Uint16(rec[28:30])
		extraLen := binary.LittleEndian.Uint16(rec[30:32])
		commentLen := binary.LittleEndian.Uint16(rec[32:34])
		localHeaderOffset := uint64(binary.LittleEndian.Uint32(rec[42:46]))

		entryEnd := pos + centralDirFixedSize + int(nameLen) + int(extraLen) + int(commentLen)
		if entryEnd > len(cdBytes) {
			return nil, pipelineerr.New(pipelineerr.KindCorruptZip, module, "truncated central directory entry", pipelineerr.LevelWarn, nil)
		}
		nameBytes := cdBytes[pos+centralDirFixedSize : pos+centralDirFixedSize+int(nameLen)]
		extraBytes := cdBytes[pos+centralDirFixedSize+int(nameLen) : pos+centralDirFixedSize+int(nameLen)+int(extraLen)]

		if extractVersion > maxSupportedExtractVersion {
			return nil, pipelineerr.New(pipelineerr.KindUnsupportedZip, module, "extract version exceeds supported range", pipelineerr.LevelWarn, nil)
		}

		if localHeaderOffset == 0xffffffff || compressSize == 0xffffffff || uncompressSize == 0xffffffff {
			localHeaderOffset, compressSize, uncompressSize = parseZip64Extra(extraBytes, localHeaderOffset, compressSize, uncompressSize)
		}

		name := decodeFilename(nameBytes, flagBits)
		members = append(members, ndsmodel.MemberInfo{
			SubFileName:  name,
			HeaderOffset: int64(localHeaderOffset) + firstMemberPayloadStart,
			CompressSize: int64(compressSize),
			FileSize:     int64(uncompressSize),
			FlagBits:     flagBits,
			CompressType: compressType,
		})
		pos = entryEnd
	}

	return &ndsmodel.ArchiveInfo{FilePath: path, Size: size, Members: members}, nil
}

// parseZip64Extra reads the zip64 extended-information extra field (tag
// 0x0001) for any of the three fields the 32-bit central directory record
// marked as "see zip64" (0xffffffff), in the fixed order the APPNOTE
// mandates: uncompressed size, compressed size, then local header offset.
func parseZip64Extra(extra []byte, localHeaderOffset, compressSize, uncompressSize uint64) (uint64, uint64, uint64) {
	pos := 0
	for pos+4 <= len(extra) {
		tag := binary.LittleEndian.Uint16(extra[pos : pos+2])
		size := int(binary.LittleEndian.Uint16(extra[pos+2 : pos+4]))
		if pos+4+size > len(extra) {
			break
		}
		if tag == 0x0001 {
			data := extra[pos+4 : pos+4+size]
			off := 0
			if uncompressSize == 0xffffffff && off+8 <= len(data) {
				uncompressSize = binary.LittleEndian.Uint64(data[off : off+8])
				off += 8
			}
			if compressSize == 0xffffffff && off+8 <= len(data) {
				compressSize = binary.LittleEndian.Uint64(data[off : off+8])
				off += 8
			}
			if localHeaderOffset == 0xffffffff && off+8 <= len(data) {
				localHeaderOffset = binary.LittleEndian.Uint64(data[off : off+8])
				off += 8
			}
			break
		}
		pos += 4 + size
	}
	return localHeaderOffset, compressSize, uncompressSize
}

// decodeFilename applies CP437 decoding unless flag bit 11 (the UTF-8 flag)
// is set, per §4.1's filename-encoding requirement.
func decodeFilename(raw []byte, flagBits uint16) string {
	const utf8Flag = 1 << 11
	if flagBits&utf8Flag != 0 {
		return string(raw)
	}
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

// ExtractENodeBID pulls the eNodeB identifier embedded in an MRO/MDT member
// filename, per §3's "_<6-8 digits>_" convention. Returns 0, false if absent.
func ExtractENodeBID(subFileName string) (int64, bool) {
	m := enodebPattern.FindStringSubmatch(subFileName)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func leUint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
