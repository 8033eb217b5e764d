package scanner

import (
	"path/filepath"
	"regexp"
	"time"

	"github.com/gaby/ndsfabric/internal/zipcd"
)

// archiveTimePattern matches the NDS archive naming convention's embedded
// timestamp (§4.4 step 5): a 14-digit YYYYMMDDHHMMSS run immediately after a
// '_' or '-', e.g. "FDD-LTE_MRO_ZTE_OMC1_292551_20241220023000.zip".
var archiveTimePattern = regexp.MustCompile(`[_-](\d{14})`)

// memberTimeFromPath extracts the archive's nominal collection time from its
// filename.
func memberTimeFromPath(path string) (time.Time, bool) {
	base := filepath.Base(path)
	m := archiveTimePattern.FindStringSubmatch(base)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func extractENodeBID(subFileName string) (int64, bool) {
	return zipcd.ExtractENodeBID(subFileName)
}
