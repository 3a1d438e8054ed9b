// Package builder assembles a new NCA from an existing one section by
// section, recomputes its hash tables, re-encrypts its header, and
// seals the result into a lazily-read storage.Storage (§4.8 / C8).
// Grounded on the teacher's pkg/fs/pfs0_writer.go for the
// header-then-table-then-data staged-write shape, generalized from a
// single-format *os.File writer into a state-machine builder over
// storage.Storage that any section format and hash type can feed.
package builder

import (
	"fmt"

	"github.com/falk/ncago/pkg/cnmt"
	"github.com/falk/ncago/pkg/header"
	"github.com/falk/ncago/pkg/integrity"
	"github.com/falk/ncago/pkg/keys"
	"github.com/falk/ncago/pkg/nca"
	"github.com/falk/ncago/pkg/ncaerr"
	"github.com/falk/ncago/pkg/pfs0"
	"github.com/falk/ncago/pkg/storage"
)

// State is a build's position in the state machine spec.md §4.8
// names: Init → HeaderCopied → SectionsAdded(k)* → HashesFinalized →
// HeaderEncrypted → Sealed.
type State int

const (
	StateInit State = iota
	StateHeaderCopied
	StateSectionsAdded
	StateHashesFinalized
	StateHeaderEncrypted
	StateSealed
)

type addedSection struct {
	content storage.Storage
	fsh     header.FsHeader
}

// Builder assembles one NCA's header and sections. It is not
// goroutine-safe; per §5's single-threaded-per-operation model, a build
// is driven from one caller.
type Builder struct {
	state    State
	hdr      header.Header
	sections [4]*addedSection
}

// NewBuilder starts a build by copying base's signatures and top-level
// metadata (everything up to the section-entries table), plus the
// encrypted key area and the 0x340 reserved region, per §4.8 step 1. The caller populates sections with AddSection before Seal.
func NewBuilder(base *header.Header) *Builder {
	b := &Builder{state: StateHeaderCopied}
	b.hdr.FixedKeySig = base.FixedKeySig
	b.hdr.NpdmSig = base.NpdmSig
	b.hdr.Magic = base.Magic
	b.hdr.DistType = base.DistType
	b.hdr.ContentType = base.ContentType
	b.hdr.KeyGeneration = base.KeyGeneration
	b.hdr.KeyAreaKeyIdx = base.KeyAreaKeyIdx
	b.hdr.TitleID = base.TitleID
	b.hdr.ContentIndex = base.ContentIndex
	b.hdr.SdkVersion = base.SdkVersion
	b.hdr.KeyGeneration2 = base.KeyGeneration2
	b.hdr.Reserved1 = base.Reserved1
	b.hdr.RightsID = base.RightsID
	b.hdr.EncryptedKeys = base.EncryptedKeys
	b.hdr.Reserved2 = base.Reserved2
	return b
}

// AddSection registers content as section i's fully-formed decrypted
// bytes (hash table already spliced in for hashed sections) and fsh as
// its FsHeader. Calling this twice for the same index is a build
// misuse, matching §4.8's "add_section(i) when i already enabled →
// fatal AlreadyAdded".
func (b *Builder) AddSection(i int, content storage.Storage, fsh header.FsHeader) error {
	if i < 0 || i >= 4 {
		return fmt.Errorf("%w: section index %d out of range", ncaerr.ErrPreconditionViolation, i)
	}
	if b.sections[i] != nil {
		return fmt.Errorf("%w: section %d", ncaerr.ErrAlreadyAdded, i)
	}
	b.sections[i] = &addedSection{content: content, fsh: fsh}
	b.state = StateSectionsAdded
	return nil
}

// Seal assigns section entries, recomputes per-section FsHeader hashes
// into the main header, re-encrypts the header, and returns the
// lazily-read concatenation of header + sections + alignment padding
// (§4.8 steps 4-7).
func (b *Builder) Seal(ks *keys.KeySet) (storage.Storage, error) {
	if b.state != StateSectionsAdded && b.state != StateHeaderCopied {
		return nil, fmt.Errorf("%w: seal called in state %d", ncaerr.ErrPreconditionViolation, b.state)
	}

	parts := make([]storage.Storage, 0, 6)
	headerPlaceholder := storage.NewNullStorage(header.StructSize)
	parts = append(parts, headerPlaceholder)

	offset := int64(header.StructSize)
	for i := 0; i < 4; i++ {
		s := b.sections[i]
		if s == nil {
			continue
		}
		startBlock := uint32(alignUp(offset, header.BlockSize) / header.BlockSize)
		if pad := alignUp(offset, header.BlockSize) - offset; pad > 0 {
			parts = append(parts, storage.NewNullStorage(pad))
			offset += pad
		}
		size := s.content.Size()
		endBlock := startBlock + uint32(alignUp(size, header.BlockSize)/header.BlockSize)

		b.hdr.Sections[i] = header.SectionEntry{StartBlock: startBlock, EndBlock: endBlock}
		b.hdr.FsHeaders[i] = s.fsh

		parts = append(parts, s.content)
		offset += size
		if pad := alignUp(size, header.BlockSize) - size; pad > 0 {
			parts = append(parts, storage.NewNullStorage(pad))
			offset += pad
		}
	}
	b.hdr.ContentSize = uint64(offset)
	b.state = StateHashesFinalized

	encHeader, err := header.Emit(&b.hdr, ks.HeaderKey[:])
	if err != nil {
		return nil, err
	}
	b.state = StateHeaderEncrypted
	parts[0] = storage.NewMemoryStorage(encHeader)

	out, err := storage.NewConcatenationStorage(parts...)
	if err != nil {
		return nil, err
	}
	b.state = StateSealed
	return out, nil
}

func alignUp(v, align int64) int64 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}

// copyRaw returns section i's raw decrypted bytes and FsHeader from n,
// with the FsHeader's encryption cleared to None — the "copy verbatim"
// rule §4.8 step 2 applies to Logo and ExeFS.
func copyRaw(n *nca.NCA, i int) (storage.Storage, header.FsHeader, error) {
	content, err := n.OpenRawStorage(i, false)
	if err != nil {
		return nil, header.FsHeader{}, err
	}
	fsh := n.Header().FsHeaders[i]
	fsh.EncryptionType = header.EncryptionNone
	return content, fsh, nil
}

// copyPatchedRomFS composes patchNCA's section i with base through the
// IndirectTree (or falls back to a verbatim copy if patchNCA carries no
// patch section there), clears PatchInfo since the output is
// self-contained, and clears the encryption type — §4.8 step 2's RomFS
// bullet.
func copyPatchedRomFS(patchNCA, baseNCA *nca.NCA, i int) (storage.Storage, header.FsHeader, error) {
	if !patchNCA.Header().Sections[i].Enabled() {
		return copyRaw(baseNCA, i)
	}
	content, err := patchNCA.OpenPatchedRaw(i, baseNCA)
	if err != nil {
		return nil, header.FsHeader{}, err
	}
	fsh := patchNCA.Header().FsHeaders[i]
	fsh.EncryptionType = header.EncryptionNone
	fsh.Patch = header.PatchInfo{}
	return content, fsh, nil
}

// BuildMerged assembles a self-contained NCA from a base and a patch:
// Logo from base, ExeFS from patch, RomFS the logical merge of both
// (§4.8, §7's build_merged). Signature-1/2 bytes are carried over from
// base unchanged, per §9's caveat — they will not verify against the
// rebuilt content, which is by design; ncago surfaces this by simply
// never recomputing them, not by pretending they are still valid.
func BuildMerged(ks *keys.KeySet, base, patch *nca.NCA) (storage.Storage, error) {
	b := NewBuilder(base.Header())

	for i := 0; i < 4; i++ {
		if !base.Header().Sections[i].Enabled() && !patch.Header().Sections[i].Enabled() {
			continue
		}
		var content storage.Storage
		var fsh header.FsHeader
		var err error

		switch base.Header().SectionKindOf(i) {
		case header.SectionLogo:
			content, fsh, err = copyRaw(base, i)
		case header.SectionExeFS:
			content, fsh, err = copyRaw(patch, i)
		case header.SectionRomFS:
			content, fsh, err = copyPatchedRomFS(patch, base, i)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("builder: section %d: %w", i, err)
		}
		if err := b.AddSection(i, content, fsh); err != nil {
			return nil, err
		}
	}

	return b.Seal(ks)
}

// BuildMetaPatch re-emits a Meta NCA's Data section (its sole
// PartitionFs, holding one *.cnmt file) with entries substituted for
// its content-entry table, for the "meta-NCA patching" flow of §4.8's
// closing paragraph. baseMeta is opened read-only; only the Data
// section (index 0) is replaced, with encryption_type = None and fresh
// SHA-256 hashing at block size 0x1000.
func BuildMetaPatch(ks *keys.KeySet, baseMeta *nca.NCA, entries []cnmt.ContentEntry) (storage.Storage, error) {
	const dataSection = 0
	const blockSize = 0x1000

	fsView, err := baseMeta.OpenSectionFS(dataSection, integrity.LevelWarn, nil)
	if err != nil {
		return nil, fmt.Errorf("builder: open meta pfs0: %w", err)
	}
	files, err := fsView.Enumerate("/", "*.cnmt")
	if err != nil {
		return nil, fmt.Errorf("builder: enumerate meta pfs0: %w", err)
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("%w: meta pfs0 has %d *.cnmt entries, want 1", ncaerr.ErrInvalidHeader, len(files))
	}
	cnmtName := files[0].Path[1:] // strip the leading "/" Enumerate adds

	f, err := fsView.Open(files[0].Path)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, files[0].Size)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("builder: read cnmt: %w", err)
	}

	parsed, err := cnmt.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("builder: parse cnmt: %w", err)
	}
	rewritten := parsed.Rewrite(entries)

	pfs0Bytes := pfs0.Build([]pfs0.WriterEntry{{Name: cnmtName, Data: rewritten}})
	table, master := integrity.BuildSha256Table(pfs0Bytes, blockSize)

	content := append(append([]byte(nil), table...), pfs0Bytes...)
	fsh := header.FsHeader{
		Format:         header.FormatPartitionFs,
		HashType:       header.HashSha256,
		EncryptionType: header.EncryptionNone,
		Sha256: header.Sha256Info{
			MasterHash:      master,
			BlockSize:       blockSize,
			HashTableOffset: 0,
			HashTableSize:   uint64(len(table)),
			DataOffset:      uint64(len(table)),
			DataSize:        uint64(len(pfs0Bytes)),
		},
	}

	b := NewBuilder(baseMeta.Header())
	if err := b.AddSection(dataSection, storage.NewMemoryStorage(content), fsh); err != nil {
		return nil, err
	}
	return b.Seal(ks)
}
