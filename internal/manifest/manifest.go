package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Parse failure taxonomy. All are fatal: nothing is planned or fetched
// for a manifest that does not parse.
var (
	ErrEmptyManifest       = errors.New("empty manifest")
	ErrMalformedManifest   = errors.New("malformed manifest")
	ErrNoMatchingRendition = errors.New("no matching rendition")
)

// Kind identifies the manifest dialect, resolved once at parse time by
// content inspection.
type Kind int

const (
	KindHLS Kind = iota + 1
	KindDASH
)

func (k Kind) String() string {
	switch k {
	case KindHLS:
		return "hls"
	case KindDASH:
		return "dash"
	}
	return "unknown"
}

// ContentType classifies a rendition's payload.
type ContentType int

const (
	ContentVideo ContentType = iota + 1
	ContentAudio
	ContentOther
)

func (c ContentType) String() string {
	switch c {
	case ContentVideo:
		return "video"
	case ContentAudio:
		return "audio"
	}
	return "other"
}

// Manifest is the rendition-agnostic in-memory representation of a
// parsed HLS playlist or DASH MPD.
type Manifest struct {
	Kind       Kind
	Base       *url.URL
	Renditions []Rendition
}

// Master reports whether this is an HLS master playlist, i.e. its
// renditions reference child playlists that must be resolved before
// any segments are visible.
func (m *Manifest) Master() bool {
	for i := range m.Renditions {
		if m.Renditions[i].ChildURI != "" {
			return true
		}
	}
	return false
}

// Rendition is one selectable variant of a manifest.
type Rendition struct {
	ID         string
	Type       ContentType
	Bandwidth  int
	Codecs     string
	Resolution string

	// ChildURI is set on HLS master entries. The caller fetches and
	// re-parses the child playlist; the parser never touches the
	// network.
	ChildURI string

	// Rule is the addressing rule to expand into a segment plan. It is
	// nil for unresolved master entries and for DASH adaptation sets
	// that carry no usable SegmentTemplate.
	Rule AddressingRule
}

// AddressingRule is the closed set of segment addressing schemes:
// ExplicitList, TemplateTimeline and TemplateNumbered.
type AddressingRule interface {
	isAddressingRule()
}

// KeyRef points at segment-level AES-128-CBC key material. A nil IV
// means the IV is derived from the segment's zero-based plan index.
type KeyRef struct {
	URI string
	IV  []byte
}

// MediaSegment is one entry of an ExplicitList.
type MediaSegment struct {
	URI      string
	Duration float64
	Key      *KeyRef
}

// ExplicitList is the HLS media-playlist addressing rule: an ordered
// sequence of segment URIs in source order.
type ExplicitList struct {
	MediaSequence int64
	InitURI       string
	Segments      []MediaSegment
}

func (*ExplicitList) isAddressingRule() {}

// TimelineSpan is one <S> run of a DASH SegmentTimeline. A nil Start
// means the span begins where the previous one ended. The span covers
// Repeat+1 segments of Duration each.
type TimelineSpan struct {
	Start    *uint64
	Duration uint64
	Repeat   int
}

// TemplateTimeline is the DASH SegmentTemplate+SegmentTimeline rule.
type TemplateTimeline struct {
	RepID          string
	Bandwidth      int
	Timescale      uint64
	Media          string
	Initialization string
	Spans          []TimelineSpan
}

func (*TemplateTimeline) isAddressingRule() {}

// TemplateNumbered is the DASH SegmentTemplate rule without a
// timeline, addressed by $Number$. The segment count is derived from
// the period duration when known; otherwise it is a bounded estimate.
type TemplateNumbered struct {
	RepID          string
	Bandwidth      int
	Timescale      uint64
	Media          string
	Initialization string
	StartNumber    uint64

	// SegmentDuration is the per-segment duration in Timescale units,
	// 0 when the template does not declare one.
	SegmentDuration uint64

	// PeriodDuration is the enclosing period's wall-clock duration,
	// 0 when the MPD does not declare one.
	PeriodDuration time.Duration
}

func (*TemplateNumbered) isAddressingRule() {}

// Parse inspects the manifest body and dispatches to the HLS or DASH
// parser. It is pure: referenced child playlists are fetched by the
// caller.
func Parse(data []byte, base *url.URL) (*Manifest, error) {
	body := bytes.TrimSpace(data)
	if len(body) == 0 {
		return nil, ErrEmptyManifest
	}

	switch {
	case bytes.HasPrefix(body, []byte("#EXTM3U")):
		return parseHLS(string(body), base)
	case body[0] == '<':
		return parseMPD(body, base)
	}
	return nil, fmt.Errorf("%w: unrecognized leading bytes", ErrMalformedManifest)
}
