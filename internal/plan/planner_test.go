package plan

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdl/internal/manifest"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func uptr(v uint64) *uint64 { return &v }

func TestExpand_ExplicitListIdentity(t *testing.T) {
	rule := &manifest.ExplicitList{
		Segments: []manifest.MediaSegment{
			{URI: "seg0.ts"},
			{URI: "seg1.ts"},
			{URI: "seg2.ts"},
		},
	}
	rend := &manifest.Rendition{ID: "media", Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/hls/index.m3u8"), "/tmp/work")
	require.NoError(t, err)

	require.Len(t, p.Entries, 3)
	for i, e := range p.Entries {
		assert.Equal(t, i, e.Index)
		assert.Equal(t, fmt.Sprintf("http://example.com/hls/seg%d.ts", i), e.URL)
		assert.Equal(t, filepath.Join("/tmp/work", fmt.Sprintf("seg_%05d.ts", i)), e.LocalPath)
	}
}

func TestExpand_ExplicitListResolvesKeyAgainstSegment(t *testing.T) {
	rule := &manifest.ExplicitList{
		Segments: []manifest.MediaSegment{
			{URI: "media/seg0.ts", Key: &manifest.KeyRef{URI: "key.bin"}},
		},
	}
	rend := &manifest.Rendition{Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/hls/index.m3u8"), t.TempDir())
	require.NoError(t, err)

	require.NotNil(t, p.Entries[0].Key)
	assert.Equal(t, "http://example.com/hls/media/key.bin", p.Entries[0].Key.URI)
	assert.Nil(t, p.Entries[0].Key.IV)
}

func TestExpand_TimelineRepeatCount(t *testing.T) {
	rule := &manifest.TemplateTimeline{
		RepID:     "v0",
		Timescale: 1,
		Media:     "seg-$Time$.m4s",
		Spans: []manifest.TimelineSpan{
			{Start: uptr(0), Duration: 10, Repeat: 2},
		},
	}
	rend := &manifest.Rendition{ID: "v0", Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/dash/stream.mpd"), t.TempDir())
	require.NoError(t, err)

	// Repeat 2 means three segments, not one.
	require.Len(t, p.Entries, 3)
	assert.True(t, strings.HasSuffix(p.Entries[0].URL, "seg-0.m4s"))
	assert.True(t, strings.HasSuffix(p.Entries[1].URL, "seg-10.m4s"))
	assert.True(t, strings.HasSuffix(p.Entries[2].URL, "seg-20.m4s"))
}

func TestExpand_TimelineImplicitStartCarry(t *testing.T) {
	rule := &manifest.TemplateTimeline{
		RepID:     "v0",
		Timescale: 1,
		Media:     "seg-$Time$.m4s",
		Spans: []manifest.TimelineSpan{
			{Start: uptr(0), Duration: 5},
			{Start: nil, Duration: 5},
		},
	}
	rend := &manifest.Rendition{Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/dash/stream.mpd"), t.TempDir())
	require.NoError(t, err)

	require.Len(t, p.Entries, 2)
	assert.True(t, strings.HasSuffix(p.Entries[0].URL, "seg-0.m4s"))
	assert.True(t, strings.HasSuffix(p.Entries[1].URL, "seg-5.m4s"),
		"second span's implicit start must carry from the first span's end")
}

func TestExpand_TimelineInitSegmentFirst(t *testing.T) {
	rule := &manifest.TemplateTimeline{
		RepID:          "v0",
		Timescale:      1,
		Media:          "v0/seg-$Time$.m4s",
		Initialization: "$RepresentationID$/init.m4s",
		Spans:          []manifest.TimelineSpan{{Start: uptr(0), Duration: 4}},
	}
	rend := &manifest.Rendition{Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/dash/stream.mpd"), t.TempDir())
	require.NoError(t, err)

	require.Len(t, p.Entries, 2)
	assert.Equal(t, InitIndex, p.Entries[0].Index)
	assert.Equal(t, "http://example.com/dash/v0/init.m4s", p.Entries[0].URL)
	assert.Equal(t, 1, p.MediaCount())
}

func TestExpand_NumberedDerivedCount(t *testing.T) {
	rule := &manifest.TemplateNumbered{
		RepID:           "a0",
		Timescale:       48000,
		Media:           "a0/$Number$.m4s",
		StartNumber:     1,
		SegmentDuration: 96000, // 2s per segment
		PeriodDuration:  30 * time.Second,
	}
	rend := &manifest.Rendition{Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/dash/stream.mpd"), t.TempDir())
	require.NoError(t, err)

	assert.False(t, p.CountEstimated)
	require.Len(t, p.Entries, 15)
	assert.True(t, strings.HasSuffix(p.Entries[0].URL, "a0/1.m4s"))
	assert.True(t, strings.HasSuffix(p.Entries[14].URL, "a0/15.m4s"))
}

func TestExpand_NumberedFallbackCap(t *testing.T) {
	rule := &manifest.TemplateNumbered{
		RepID:       "a0",
		Timescale:   1,
		Media:       "a0/$Number$.m4s",
		StartNumber: 5,
	}
	rend := &manifest.Rendition{Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/dash/stream.mpd"), t.TempDir())
	require.NoError(t, err)

	assert.True(t, p.CountEstimated, "underivable count must be flagged as an estimate")
	require.Len(t, p.Entries, fallbackSegmentCap)
	assert.True(t, strings.HasSuffix(p.Entries[0].URL, "a0/5.m4s"))
}

func TestExpand_QueryPropagation(t *testing.T) {
	rule := &manifest.ExplicitList{
		Segments: []manifest.MediaSegment{
			{URI: "seg0.ts"},
			{URI: "seg1.ts?quality=hi"},
		},
	}
	rend := &manifest.Rendition{Rule: rule}

	p, err := Expand(rend, mustURL(t, "http://example.com/index.m3u8?token=abc&exp=99"), t.TempDir())
	require.NoError(t, err)

	u0 := mustURL(t, p.Entries[0].URL)
	assert.Equal(t, "abc", u0.Query().Get("token"))
	assert.Equal(t, "99", u0.Query().Get("exp"))

	u1 := mustURL(t, p.Entries[1].URL)
	assert.Equal(t, "abc", u1.Query().Get("token"))
	assert.Equal(t, "hi", u1.Query().Get("quality"), "segment's own parameters survive")
}

func TestExpand_NilRule(t *testing.T) {
	rend := &manifest.Rendition{ID: "v0"}
	_, err := Expand(rend, mustURL(t, "http://example.com/stream.mpd"), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestExpand_TemplateWithoutMedia(t *testing.T) {
	rend := &manifest.Rendition{Rule: &manifest.TemplateTimeline{RepID: "v0"}}
	_, err := Expand(rend, mustURL(t, "http://example.com/stream.mpd"), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidRule)
}
