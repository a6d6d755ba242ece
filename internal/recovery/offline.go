package recovery

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SplitSecret splits a caller-supplied secret into share files for a kit
// managed outside the server. The offline CLI uses this; the server-side
// GenerateKit path mints its own secret and escrows sealed copies.
func SplitSecret(kitID string, secret []byte, threshold, total int) ([]ShareFile, error) {
	points, err := shamirSplit(secret, threshold, total)
	if err != nil {
		return nil, err
	}
	files := make([]ShareFile, 0, total)
	for _, p := range points {
		files = append(files, newShareFile(uuid.NewString(), kitID, p))
	}
	return files, nil
}

// CombineFiles rebuilds a secret from share files without consulting a kit
// record. Files with a bad checksum, or a kit ID that does not match the
// first checksum-clean file, are excluded and reported in rejected;
// duplicates of an index are dropped silently. Selection is deterministic,
// lowest index first.
func CombineFiles(files []ShareFile, threshold int) (secret []byte, rejected []int, err error) {
	if len(files) == 0 {
		return nil, nil, ErrInsufficientShares
	}

	kitID := ""
	seen := make(map[int]bool)
	valid := make([]sharePoint, 0, len(files))
	for i := range files {
		f := &files[i]
		if f.Verify() != nil {
			rejected = append(rejected, f.Index)
			continue
		}
		if kitID == "" {
			kitID = f.KitID
		}
		if f.KitID != kitID {
			rejected = append(rejected, f.Index)
			continue
		}
		if seen[f.Index] {
			continue
		}
		seen[f.Index] = true
		valid = append(valid, sharePoint{Index: f.Index, Data: f.Data})
	}
	if len(valid) < threshold {
		return nil, rejected, fmt.Errorf("%w: have %d valid, need %d", ErrInsufficientShares, len(valid), threshold)
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].Index < valid[j].Index })
	secret, err = shamirCombine(valid[:threshold])
	if err != nil {
		return nil, rejected, err
	}
	return secret, rejected, nil
}
