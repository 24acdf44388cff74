package xelf

import (
	"debug/elf"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// PseudoBuildIDPrefix distinguishes synthesized identities from real
// build ids. Persisted cache state depends on these staying stable.
const PseudoBuildIDPrefix = "pseudo"

// Sample the head and tail of each executable section. Hashing whole
// sections would be needlessly slow on multi-hundred-megabyte engines.
const pseudoSampleSize = 64 << 10

// PseudoBuildID derives a deterministic identity for an image without any
// build id note by hashing a fixed sample of its executable sections.
// Collisions are possible but irrelevant for cache keying: two images with
// identical executable prefixes and suffixes behave identically under a
// sampling profiler anyway.
func PseudoBuildID(f *elf.File) (string, error) {
	h := xxhash.New()
	buf := make([]byte, pseudoSampleSize)

	for _, scn := range f.Sections {
		if !executableSection(scn) {
			continue
		}

		// Mix in the layout even when the content is unreadable
		// (compressed or zero-sized sections).
		_, _ = h.WriteString(scn.Name)
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], scn.Size)
		_, _ = h.Write(size[:])

		r := scn.ReaderAt
		if r == nil || scn.Size == 0 {
			continue
		}

		n, _ := r.ReadAt(buf, 0)
		_, _ = h.Write(buf[:n])

		if tail := int64(scn.Size) - int64(len(buf)); tail > 0 {
			n, _ = r.ReadAt(buf, tail)
			_, _ = h.Write(buf[:n])
		}
	}

	return PseudoBuildIDPrefix + strconv.FormatUint(h.Sum64(), 16), nil
}

func executableSection(scn *elf.Section) bool {
	if scn.Type != elf.SHT_PROGBITS {
		return false
	}
	const flags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	return scn.Flags&flags == flags
}
