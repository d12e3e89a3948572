package voting

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffStats counts characters (code points) added and removed between two
// versions of an entity text.
type DiffStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

func Diff(before, after string) DiffStats {
	if before == after {
		return DiffStats{}
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var stats DiffStats
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			stats.Added += utf8.RuneCountInString(diff.Text)
		case diffmatchpatch.DiffDelete:
			stats.Removed += utf8.RuneCountInString(diff.Text)
		}
	}
	return stats
}

// CharCount is the contribution credited for a piece of text.
func CharCount(text string) int {
	return utf8.RuneCountInString(text)
}
