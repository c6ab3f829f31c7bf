package manifest

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var reAttr = regexp.MustCompile(`([a-zA-Z0-9_-]+)=("[^"]+"|[^",]+)`)

// parseAttrs splits an HLS attribute list into a map, stripping quotes.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, kv := range reAttr.FindAllStringSubmatch(s, -1) {
		attrs[kv[1]] = strings.Trim(kv[2], `"`)
	}
	return attrs
}

// parseHLS parses either a master playlist (entries are child playlist
// references with bandwidth metadata) or a media playlist (entries are
// segments).
func parseHLS(body string, base *url.URL) (*Manifest, error) {
	lines := strings.Split(body, "\n")
	if strings.Contains(body, "#EXT-X-STREAM-INF:") {
		return parseHLSMaster(lines, base)
	}
	return parseHLSMedia(lines, base)
}

func parseHLSMaster(lines []string, base *url.URL) (*Manifest, error) {
	m := &Manifest{Kind: KindHLS, Base: base}

	var pending *Rendition
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			bandwidth, err := strconv.Atoi(attrs["BANDWIDTH"])
			if err != nil {
				return nil, fmt.Errorf("%w: EXT-X-STREAM-INF without a numeric BANDWIDTH", ErrMalformedManifest)
			}
			pending = &Rendition{
				Type:       ContentVideo,
				Bandwidth:  bandwidth,
				Codecs:     attrs["CODECS"],
				Resolution: attrs["RESOLUTION"],
			}
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		default:
			// A URI line closes the preceding EXT-X-STREAM-INF tag.
			if pending == nil {
				continue
			}
			pending.ChildURI = line
			pending.ID = fmt.Sprintf("variant-%d", len(m.Renditions))
			m.Renditions = append(m.Renditions, *pending)
			pending = nil
		}
	}

	if len(m.Renditions) == 0 {
		return nil, fmt.Errorf("%w: master playlist with no variants", ErrMalformedManifest)
	}
	return m, nil
}

func parseHLSMedia(lines []string, base *url.URL) (*Manifest, error) {
	rule := &ExplicitList{}

	var currentKey *KeyRef
	var haveInf bool
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			seq, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid EXT-X-MEDIA-SEQUENCE", ErrMalformedManifest)
			}
			rule.MediaSequence = seq
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			rule.InitURI = attrs["URI"]
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			key, err := parseKeyTag(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if err != nil {
				return nil, err
			}
			currentKey = key
		case strings.HasPrefix(line, "#EXTINF:"):
			haveInf = true
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		default:
			if !haveInf {
				// URI without a preceding EXTINF is outside the
				// minimal tag grammar.
				return nil, fmt.Errorf("%w: segment URI without EXTINF", ErrMalformedManifest)
			}
			rule.Segments = append(rule.Segments, MediaSegment{
				URI: line,
				Key: currentKey,
			})
			haveInf = false
		}
	}

	if len(rule.Segments) == 0 {
		return nil, fmt.Errorf("%w: media playlist with no segments", ErrMalformedManifest)
	}

	return &Manifest{
		Kind: KindHLS,
		Base: base,
		Renditions: []Rendition{{
			ID:   "media",
			Type: ContentVideo,
			Rule: rule,
		}},
	}, nil
}

// parseKeyTag interprets an EXT-X-KEY attribute list. METHOD=NONE
// clears encryption for the segments that follow.
func parseKeyTag(attrList string) (*KeyRef, error) {
	attrs := parseAttrs(attrList)
	switch attrs["METHOD"] {
	case "NONE":
		return nil, nil
	case "AES-128":
	default:
		return nil, fmt.Errorf("%w: unsupported key method %q", ErrMalformedManifest, attrs["METHOD"])
	}

	key := &KeyRef{URI: attrs["URI"]}
	if key.URI == "" {
		return nil, fmt.Errorf("%w: AES-128 key without URI", ErrMalformedManifest)
	}

	if ivHex, ok := attrs["IV"]; ok {
		ivHex = strings.TrimPrefix(strings.TrimPrefix(ivHex, "0x"), "0X")
		iv, err := hex.DecodeString(ivHex)
		if err != nil || len(iv) != 16 {
			return nil, fmt.Errorf("%w: invalid key IV %q", ErrMalformedManifest, ivHex)
		}
		key.IV = iv
	}
	return key, nil
}
