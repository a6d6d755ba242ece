package recovery

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FileExtension marks a recovery-share download so clients can tell a share
// file from arbitrary input before parsing.
const FileExtension = ".qkshare"

const fileMagic = "QKSHARE1"

var ErrNotShareFile = errors.New("recovery: not a recovery share file")

// ShareFile is the client-facing share format: the serialized point plus
// enough metadata to validate it before it counts toward the threshold.
type ShareFile struct {
	Magic    string `json:"magic"`
	ShareID  string `json:"share_id"`
	KitID    string `json:"kit_id"`
	Index    int    `json:"index"`
	Checksum []byte `json:"checksum"`
	Data     []byte `json:"data"`
}

func newShareFile(shareID, kitID string, p sharePoint) ShareFile {
	return ShareFile{
		Magic:    fileMagic,
		ShareID:  shareID,
		KitID:    kitID,
		Index:    p.Index,
		Checksum: shareChecksum(shareID, kitID, p.Index, p.Data),
		Data:     p.Data,
	}
}

// Verify rejects a corrupted or truncated share before reconstruction ever
// sees it. The checksum covers every field, so a flipped byte anywhere in
// the file fails here. Checksum failures are tampering or corruption, never
// retried.
func (f *ShareFile) Verify() error {
	if f.Magic != fileMagic {
		return ErrNotShareFile
	}
	if !bytes.Equal(f.Checksum, shareChecksum(f.ShareID, f.KitID, f.Index, f.Data)) {
		return fmt.Errorf("share %d: %w", f.Index, ErrChecksumMismatch)
	}
	return nil
}

func (f *ShareFile) Encode() ([]byte, error) {
	return json.MarshalIndent(f, "", "  ")
}

func DecodeShareFile(b []byte) (ShareFile, error) {
	var f ShareFile
	if err := json.Unmarshal(b, &f); err != nil {
		return ShareFile{}, ErrNotShareFile
	}
	if f.Magic != fileMagic {
		return ShareFile{}, ErrNotShareFile
	}
	return f, nil
}

// ShareFileName is the suggested download name for a share.
func ShareFileName(kitID string, index int) string {
	short := kitID
	if i := strings.IndexByte(short, '-'); i > 0 {
		short = short[:i]
	}
	return fmt.Sprintf("quankey-recovery-%s-%d%s", short, index, FileExtension)
}

func shareChecksum(shareID, kitID string, index int, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(shareID))
	h.Write([]byte{0})
	h.Write([]byte(kitID))
	h.Write([]byte{0, byte(index)})
	h.Write(data)
	return h.Sum(nil)
}
