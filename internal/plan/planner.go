package plan

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"path/filepath"

	"streamdl/internal/manifest"
)

// ErrInvalidRule marks a rendition whose addressing rule is missing or
// lacks required template fields. It is fatal for that rendition only.
var ErrInvalidRule = errors.New("invalid addressing rule")

// fallbackSegmentCap bounds the segment count for a numbered template
// when neither the period nor the template declares a duration. The
// resulting plan is a documented estimate, flagged via CountEstimated,
// not a guarantee of stream completeness.
const fallbackSegmentCap = 100

// InitIndex is the plan index reserved for an initialization segment.
// It sorts before every media index, so assembly places it first.
const InitIndex = -1

// Entry is one planned segment. The planner assigns LocalPath once;
// it is never rewritten afterward.
type Entry struct {
	Index     int
	URL       string
	Key       *manifest.KeyRef
	LocalPath string
}

// Plan is the finite, strictly ordered expansion of one rendition's
// addressing rule. It is produced once and read-only thereafter.
type Plan struct {
	Entries []Entry

	// CountEstimated is set when the plan length came from the
	// bounded fallback rather than manifest-declared durations.
	CountEstimated bool
}

// MediaCount returns the number of media segments, excluding any
// initialization entry.
func (p *Plan) MediaCount() int {
	n := len(p.Entries)
	for i := range p.Entries {
		if p.Entries[i].Index == InitIndex {
			n--
		}
	}
	return n
}

// Expand turns a rendition's addressing rule into a segment plan. All
// URLs are absolute, with the manifest URI's query parameters
// propagated onto every derived URL. Segment files are partitioned by
// index under workDir.
func Expand(r *manifest.Rendition, base *url.URL, workDir string) (*Plan, error) {
	switch rule := r.Rule.(type) {
	case *manifest.ExplicitList:
		return expandExplicit(rule, base, workDir)
	case *manifest.TemplateTimeline:
		return expandTimeline(rule, base, workDir)
	case *manifest.TemplateNumbered:
		return expandNumbered(rule, base, workDir)
	case nil:
		return nil, fmt.Errorf("%w: rendition %q has no addressing rule", ErrInvalidRule, r.ID)
	}
	return nil, fmt.Errorf("%w: rendition %q has an unknown addressing rule", ErrInvalidRule, r.ID)
}

func expandExplicit(rule *manifest.ExplicitList, base *url.URL, workDir string) (*Plan, error) {
	p := &Plan{}

	if rule.InitURI != "" {
		initURL, err := resolve(base, rule.InitURI)
		if err != nil {
			return nil, fmt.Errorf("%w: init URI: %v", ErrInvalidRule, err)
		}
		p.Entries = append(p.Entries, Entry{
			Index:     InitIndex,
			URL:       initURL,
			LocalPath: filepath.Join(workDir, "init.ts"),
		})
	}

	for i, seg := range rule.Segments {
		segURL, err := resolve(base, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d URI: %v", ErrInvalidRule, i, err)
		}

		entry := Entry{
			Index:     i,
			URL:       segURL,
			LocalPath: filepath.Join(workDir, fmt.Sprintf("seg_%05d.ts", i)),
		}
		if seg.Key != nil {
			// The key URI resolves against the segment URI, so the
			// scheduler never has to re-derive it.
			keyURL, err := resolveAgainst(segURL, seg.Key.URI)
			if err != nil {
				return nil, fmt.Errorf("%w: key URI for segment %d: %v", ErrInvalidRule, i, err)
			}
			entry.Key = &manifest.KeyRef{URI: keyURL, IV: seg.Key.IV}
		}
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

func expandTimeline(rule *manifest.TemplateTimeline, base *url.URL, workDir string) (*Plan, error) {
	if rule.Media == "" {
		return nil, fmt.Errorf("%w: timeline template for %q has no media pattern", ErrInvalidRule, rule.RepID)
	}

	p := &Plan{}
	if err := appendInit(p, rule.Initialization, rule.RepID, rule.Bandwidth, base, workDir); err != nil {
		return nil, err
	}

	// Each span covers Repeat+1 segments. A span without an explicit
	// start time begins where the running total left off.
	var cursor uint64
	index := 0
	for _, span := range rule.Spans {
		if span.Start != nil {
			cursor = *span.Start
		}
		for rep := 0; rep <= span.Repeat; rep++ {
			mediaPath := expandTemplate(rule.Media, templateVars{
				RepID:     rule.RepID,
				Bandwidth: rule.Bandwidth,
				Number:    uint64(index + 1),
				Time:      cursor,
			})
			segURL, err := resolve(base, mediaPath)
			if err != nil {
				return nil, fmt.Errorf("%w: segment %d: %v", ErrInvalidRule, index, err)
			}
			p.Entries = append(p.Entries, Entry{
				Index:     index,
				URL:       segURL,
				LocalPath: filepath.Join(workDir, fmt.Sprintf("seg_%05d.m4s", index)),
			})
			cursor += span.Duration
			index++
		}
	}
	return p, nil
}

func expandNumbered(rule *manifest.TemplateNumbered, base *url.URL, workDir string) (*Plan, error) {
	if rule.Media == "" {
		return nil, fmt.Errorf("%w: numbered template for %q has no media pattern", ErrInvalidRule, rule.RepID)
	}

	p := &Plan{}
	if err := appendInit(p, rule.Initialization, rule.RepID, rule.Bandwidth, base, workDir); err != nil {
		return nil, err
	}

	// Derive the count from declared durations when possible; without
	// them the plan length is a bounded estimate.
	count := fallbackSegmentCap
	if rule.SegmentDuration > 0 && rule.PeriodDuration > 0 {
		ticks := rule.PeriodDuration.Seconds() * float64(rule.Timescale)
		count = int(math.Ceil(ticks / float64(rule.SegmentDuration)))
	} else {
		p.CountEstimated = true
	}

	for i := 0; i < count; i++ {
		mediaPath := expandTemplate(rule.Media, templateVars{
			RepID:     rule.RepID,
			Bandwidth: rule.Bandwidth,
			Number:    rule.StartNumber + uint64(i),
			Time:      uint64(i) * rule.SegmentDuration,
		})
		segURL, err := resolve(base, mediaPath)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrInvalidRule, i, err)
		}
		p.Entries = append(p.Entries, Entry{
			Index:     i,
			URL:       segURL,
			LocalPath: filepath.Join(workDir, fmt.Sprintf("seg_%05d.m4s", i)),
		})
	}
	return p, nil
}

func appendInit(p *Plan, initTemplate, repID string, bandwidth int, base *url.URL, workDir string) error {
	if initTemplate == "" {
		return nil
	}
	initPath := expandTemplate(initTemplate, templateVars{RepID: repID, Bandwidth: bandwidth})
	initURL, err := resolve(base, initPath)
	if err != nil {
		return fmt.Errorf("%w: init segment: %v", ErrInvalidRule, err)
	}
	p.Entries = append(p.Entries, Entry{
		Index:     InitIndex,
		URL:       initURL,
		LocalPath: filepath.Join(workDir, "init.m4s"),
	})
	return nil
}

// resolve joins ref against base and propagates the base URL's query
// parameters onto the result. Token-gated origins sign the manifest
// URL's query string and expect it on every derived request; the
// segment's own parameters win on collision.
func resolve(base *url.URL, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(refURL)

	q := resolved.Query()
	for k, vals := range base.Query() {
		if !q.Has(k) {
			q[k] = vals
		}
	}
	resolved.RawQuery = q.Encode()
	return resolved.String(), nil
}

func resolveAgainst(baseStr, ref string) (string, error) {
	base, err := url.Parse(baseStr)
	if err != nil {
		return "", err
	}
	return resolve(base, ref)
}
