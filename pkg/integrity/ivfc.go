package integrity

import (
	"bytes"
	"fmt"

	"github.com/falk/ncago/pkg/cryptoprim"
	"github.com/falk/ncago/pkg/header"
	"github.com/falk/ncago/pkg/nlog"
	"github.com/falk/ncago/pkg/ncaerr"
	"github.com/falk/ncago/pkg/storage"
)

// ivfcLevel is one level's data region plus its block-validity cache.
// Level 0 is validated directly against the header's master hash;
// every other level is validated block-by-block against the digest
// table held in the level above it (§4.6).
type ivfcLevel struct {
	data      storage.Storage
	blockSize int64
	validated map[int64]Validity
}

// IvfcStorage verifies RomFs sections through IVFC's six-level hash
// tree. Only levels with non-zero Size are active; the last active
// level is the one ReadAt serves.
type IvfcStorage struct {
	levels     []*ivfcLevel
	masterHash [32]byte
	level      Level

	masterChecked bool
	masterValid   Validity
}

// NewIvfcStorage wraps underlying (the section's raw_decrypted or
// patched storage, which contains every IVFC level back to back at
// the offsets info.Levels records) with multi-level verification at
// the requested strictness.
func NewIvfcStorage(underlying storage.Storage, info header.IvfcInfo, level Level) *IvfcStorage {
	s := &IvfcStorage{masterHash: info.MasterHash, level: level}
	for _, lv := range info.Levels {
		if lv.Size == 0 {
			continue
		}
		s.levels = append(s.levels, &ivfcLevel{
			data:      storage.NewSliceStorage(underlying, int64(lv.Offset), int64(lv.Size)),
			blockSize: int64(1) << lv.BlockSizeLog2,
			validated: make(map[int64]Validity),
		})
	}
	return s
}

// dataLevel is the deepest level: what ReadAt serves.
func (s *IvfcStorage) dataLevel() *ivfcLevel {
	return s.levels[len(s.levels)-1]
}

func (s *IvfcStorage) Size() int64 {
	if len(s.levels) == 0 {
		return 0
	}
	return s.dataLevel().data.Size()
}

func (s *IvfcStorage) ReadAt(p []byte, offset int64) (int, error) {
	size := s.Size()
	want := p
	if offset >= size {
		return 0, nil
	}
	if offset+int64(len(want)) > size {
		want = want[:size-offset]
	}
	if len(want) == 0 {
		return 0, nil
	}

	lvl := s.dataLevel()
	total := 0
	cur := offset
	remaining := want
	for len(remaining) > 0 {
		blockIdx := cur / lvl.blockSize
		blockStart := blockIdx * lvl.blockSize
		blockEnd := blockStart + lvl.blockSize
		if blockEnd > size {
			blockEnd = size
		}

		buf := make([]byte, blockEnd-blockStart)
		if _, err := lvl.data.ReadAt(buf, blockStart); err != nil {
			return total, err
		}

		validity, err := s.verifyDataBlock(blockIdx, buf)
		if err != nil {
			return total, err
		}
		if validity == Invalid && s.level == LevelInvalid {
			for i := range buf {
				buf[i] = 0
			}
		}

		blockOff := cur - blockStart
		n := copy(remaining, buf[blockOff:])
		total += n
		cur += int64(n)
		remaining = remaining[n:]
	}
	return total, nil
}

// verifyDataBlock hashes buf and applies s.level's mismatch policy.
func (s *IvfcStorage) verifyDataBlock(blockIdx int64, buf []byte) (Validity, error) {
	if s.level == LevelNone {
		return Unchecked, nil
	}
	validity, err := s.hashLevelBlock(len(s.levels)-1, blockIdx, buf)
	if err != nil {
		return Invalid, err
	}
	if validity == Invalid {
		switch s.level {
		case LevelWarn:
			nlog.Log.Warn().Int64("block", blockIdx).Msg("ivfc hash tree: block mismatch")
		case LevelErrorOnInvalid:
			return validity, fmt.Errorf("%w: ivfc block %d", ncaerr.ErrHashMismatch, blockIdx)
		}
	}
	return validity, nil
}

// hashLevelBlock validates block blockIdx of levelIdx against its
// parent's digest table, recursing up to level 0, which is validated
// against the header master hash. Results are cached per level so a
// block already found valid (or invalid) is never rehashed, matching
// the idempotence property (§8 testable property 6).
func (s *IvfcStorage) hashLevelBlock(levelIdx int, blockIdx int64, buf []byte) (Validity, error) {
	lvl := s.levels[levelIdx]
	if v, ok := lvl.validated[blockIdx]; ok {
		return v, nil
	}

	if levelIdx == 0 {
		parentValid, err := s.verifyMasterHash()
		if err != nil {
			return Invalid, err
		}
		got := cryptoprim.Sha256(buf)
		validity := Invalid
		if parentValid == Valid && bytes.Equal(got[:], s.masterHash[:]) {
			validity = Valid
		}
		lvl.validated[blockIdx] = validity
		return validity, nil
	}

	parent := s.levels[levelIdx-1]
	digestOffset := blockIdx * 32
	parentBlockIdx := digestOffset / parent.blockSize
	parentBlockStart := parentBlockIdx * parent.blockSize
	parentBlockEnd := parentBlockStart + parent.blockSize
	if parentBlockEnd > parent.data.Size() {
		parentBlockEnd = parent.data.Size()
	}
	parentBuf := make([]byte, parentBlockEnd-parentBlockStart)
	if _, err := parent.data.ReadAt(parentBuf, parentBlockStart); err != nil {
		return Invalid, err
	}
	parentValidity, err := s.hashLevelBlock(levelIdx-1, parentBlockIdx, parentBuf)
	if err != nil {
		return Invalid, err
	}

	digestStart := digestOffset - parentBlockStart
	want := parentBuf[digestStart : digestStart+32]
	got := cryptoprim.Sha256(buf)

	validity := Invalid
	if parentValidity == Valid && bytes.Equal(got[:], want) {
		validity = Valid
	}
	lvl.validated[blockIdx] = validity
	return validity, nil
}

// verifyMasterHash hashes the whole of level 0 once and compares it to
// the header's master hash, matching §4.6's "level 0 master hash in
// header".
func (s *IvfcStorage) verifyMasterHash() (Validity, error) {
	if s.masterChecked {
		return s.masterValid, nil
	}
	l0 := s.levels[0]
	buf := make([]byte, l0.data.Size())
	if _, err := l0.data.ReadAt(buf, 0); err != nil {
		return Invalid, err
	}
	sum := cryptoprim.Sha256(buf)
	s.masterChecked = true
	if bytes.Equal(sum[:], s.masterHash[:]) {
		s.masterValid = Valid
	} else {
		s.masterValid = Invalid
	}
	return s.masterValid, nil
}

// VerifySection walks every data block of the deepest level, returning
// the aggregate validity without retaining decoded content or ever
// failing with ErrHashMismatch (§4.6, §8 property 6/7's read behavior
// is exercised through ReadAt, not this scan).
func (s *IvfcStorage) VerifySection() (Validity, error) {
	if s.level == LevelNone {
		return Unchecked, nil
	}
	if len(s.levels) == 0 {
		return Unchecked, nil
	}

	lvl := s.dataLevel()
	size := lvl.data.Size()
	buf := make([]byte, lvl.blockSize)
	overall := Valid
	for start := int64(0); start < size; start += lvl.blockSize {
		end := start + lvl.blockSize
		if end > size {
			end = size
		}
		n, err := lvl.data.ReadAt(buf[:end-start], start)
		if err != nil {
			return Invalid, err
		}
		v, err := s.hashLevelBlock(len(s.levels)-1, start/lvl.blockSize, buf[:n])
		if err != nil {
			return Invalid, err
		}
		if v == Invalid {
			overall = Invalid
		}
	}
	return overall, nil
}
