package gateway

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		kind pipelineerr.Kind
		want int
	}{
		{pipelineerr.KindSourceMissing, http.StatusNotFound},
		{pipelineerr.KindNotConfigured, http.StatusNotFound},
		{pipelineerr.KindConnectFailed, http.StatusForbidden},
		{pipelineerr.KindCorruptZip, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := pipelineerr.New(tc.kind, "test", "boom", pipelineerr.LevelWarn, nil)
		assert.Equal(t, tc.want, statusForError(err))
	}
	assert.Equal(t, http.StatusInternalServerError, statusForError(assert.AnError))
}

func TestCacheKey_DistinguishesByNDSAndPath(t *testing.T) {
	assert.NotEqual(t, cacheKey(1, "/a"), cacheKey(2, "/a"))
	assert.NotEqual(t, cacheKey(1, "/a"), cacheKey(1, "/b"))
	assert.Equal(t, cacheKey(1, "/a"), cacheKey(1, "/a"))
}

func TestParseReadQuery(t *testing.T) {
	q, err := url.ParseQuery("nds_id=7&path=%2Fmro%2Fa.zip&offset=100&length=200")
	assert.NoError(t, err)
	ndsID, path, offset, length, err := parseReadQuery(q)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), ndsID)
	assert.Equal(t, "/mro/a.zip", path)
	assert.Equal(t, int64(100), offset)
	assert.Equal(t, int64(200), length)
}

func TestParseReadQuery_MissingPath(t *testing.T) {
	q, _ := url.ParseQuery("nds_id=7&offset=0&length=10")
	_, _, _, _, err := parseReadQuery(q)
	assert.ErrorIs(t, err, errMissingPath)
}
