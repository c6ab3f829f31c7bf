package manifest

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The MPD structs below match by local element name, so documents with
// and without an xmlns declaration both unmarshal.

type mpdXML struct {
	XMLName                   xml.Name    `xml:"MPD"`
	Type                      string      `xml:"type,attr"`
	Profiles                  string      `xml:"profiles,attr"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	Periods                   []periodXML `xml:"Period"`
}

type periodXML struct {
	ID       string             `xml:"id,attr"`
	Duration string             `xml:"duration,attr"`
	BaseURL  string             `xml:"BaseURL"`
	Sets     []adaptationSetXML `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	ID              string               `xml:"id,attr"`
	ContentType     string               `xml:"contentType,attr"`
	MimeType        string               `xml:"mimeType,attr"`
	SegmentTemplate *segmentTemplateXML  `xml:"SegmentTemplate"`
	Representations []representationXML  `xml:"Representation"`
}

type representationXML struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	Codecs          string              `xml:"codecs,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
}

type segmentTemplateXML struct {
	Timescale      uint64           `xml:"timescale,attr"`
	Initialization string           `xml:"initialization,attr"`
	Media          string           `xml:"media,attr"`
	StartNumber    *uint64          `xml:"startNumber,attr"`
	Duration       uint64           `xml:"duration,attr"`
	Timeline       *timelineXML     `xml:"SegmentTimeline"`
}

type timelineXML struct {
	Spans []timelineSpanXML `xml:"S"`
}

type timelineSpanXML struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

// parseMPD parses a DASH MPD body into the rendition model. Only the
// first Period is considered (single-period VOD).
func parseMPD(data []byte, base *url.URL) (*Manifest, error) {
	var mpd mpdXML
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("%w: MPD without a Period", ErrMalformedManifest)
	}

	period := mpd.Periods[0]

	var periodDuration time.Duration
	if period.Duration != "" {
		if d, err := parseISODuration(period.Duration); err == nil {
			periodDuration = d
		}
	}
	if periodDuration == 0 && mpd.MediaPresentationDuration != "" {
		if d, err := parseISODuration(mpd.MediaPresentationDuration); err == nil {
			periodDuration = d
		}
	}

	m := &Manifest{Kind: KindDASH, Base: base}
	for i := range period.Sets {
		as := &period.Sets[i]
		ct := adaptationContentType(as)
		for j := range as.Representations {
			rep := &as.Representations[j]

			// Representation-level template overrides the set's.
			tmpl := as.SegmentTemplate
			if rep.SegmentTemplate != nil {
				tmpl = rep.SegmentTemplate
			}

			rendition := Rendition{
				ID:        rep.ID,
				Type:      ct,
				Bandwidth: rep.Bandwidth,
				Codecs:    rep.Codecs,
			}
			if rep.Width > 0 && rep.Height > 0 {
				rendition.Resolution = fmt.Sprintf("%dx%d", rep.Width, rep.Height)
			}
			rendition.Rule = buildTemplateRule(tmpl, rep, periodDuration)
			m.Renditions = append(m.Renditions, rendition)
		}
	}

	if len(m.Renditions) == 0 {
		return nil, fmt.Errorf("%w: MPD with no representations", ErrMalformedManifest)
	}
	return m, nil
}

// buildTemplateRule maps a SegmentTemplate to an addressing rule. A
// missing template yields a nil rule, reported by the planner as a
// per-rendition error.
func buildTemplateRule(tmpl *segmentTemplateXML, rep *representationXML, periodDuration time.Duration) AddressingRule {
	if tmpl == nil {
		return nil
	}

	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}

	if tmpl.Timeline != nil && len(tmpl.Timeline.Spans) > 0 {
		rule := &TemplateTimeline{
			RepID:          rep.ID,
			Bandwidth:      rep.Bandwidth,
			Timescale:      timescale,
			Media:          tmpl.Media,
			Initialization: tmpl.Initialization,
		}
		for _, s := range tmpl.Timeline.Spans {
			rule.Spans = append(rule.Spans, TimelineSpan{
				Start:    s.T,
				Duration: s.D,
				Repeat:   s.R,
			})
		}
		return rule
	}

	startNumber := uint64(1)
	if tmpl.StartNumber != nil {
		startNumber = *tmpl.StartNumber
	}
	return &TemplateNumbered{
		RepID:           rep.ID,
		Bandwidth:       rep.Bandwidth,
		Timescale:       timescale,
		Media:           tmpl.Media,
		Initialization:  tmpl.Initialization,
		StartNumber:     startNumber,
		SegmentDuration: tmpl.Duration,
		PeriodDuration:  periodDuration,
	}
}

func adaptationContentType(as *adaptationSetXML) ContentType {
	ct := as.ContentType
	if ct == "" {
		if idx := strings.IndexByte(as.MimeType, '/'); idx > 0 {
			ct = as.MimeType[:idx]
		}
	}
	switch ct {
	case "video":
		return ContentVideo
	case "audio":
		return ContentAudio
	}
	return ContentOther
}

var reISOComponent = regexp.MustCompile(`(\d+\.?\d*)(\w)`)

// parseISODuration parses an ISO 8601 duration string like "PT8S",
// falling back to Go syntax for simple strings like "5s".
func parseISODuration(duration string) (time.Duration, error) {
	if !strings.HasPrefix(duration, "PT") {
		return time.ParseDuration(duration)
	}

	duration = strings.TrimPrefix(duration, "PT")
	if duration == "" {
		return 0, nil
	}

	matches := reISOComponent.FindAllStringSubmatch(duration, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("invalid ISO 8601 duration format")
	}

	var total time.Duration
	for _, match := range matches {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}
		switch match[2] {
		case "H":
			total += time.Duration(value * float64(time.Hour))
		case "M":
			total += time.Duration(value * float64(time.Minute))
		case "S":
			total += time.Duration(value * float64(time.Second))
		default:
			return 0, fmt.Errorf("unsupported duration unit: %s", match[2])
		}
	}
	return total, nil
}
