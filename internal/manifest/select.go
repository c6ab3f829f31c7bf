package manifest

import "fmt"

// MaxBandwidth returns the rendition with the highest bandwidth. Ties
// are broken by first-encountered order, so selection is deterministic
// across runs on an unchanged manifest. Returns nil for an empty slice.
func MaxBandwidth(renditions []Rendition) *Rendition {
	var best *Rendition
	for i := range renditions {
		if best == nil || renditions[i].Bandwidth > best.Bandwidth {
			best = &renditions[i]
		}
	}
	return best
}

// Choose applies the default selection policy to a parsed manifest.
// For HLS it returns the single best variant. For DASH it partitions
// by content type and returns at most one rendition per type, video
// first, so both tracks are processed in one run.
func Choose(m *Manifest) ([]Rendition, error) {
	switch m.Kind {
	case KindHLS:
		best := MaxBandwidth(m.Renditions)
		if best == nil {
			return nil, ErrNoMatchingRendition
		}
		return []Rendition{*best}, nil
	case KindDASH:
		var chosen []Rendition
		for _, ct := range []ContentType{ContentVideo, ContentAudio} {
			var ofType []Rendition
			for _, r := range m.Renditions {
				if r.Type == ct {
					ofType = append(ofType, r)
				}
			}
			if best := MaxBandwidth(ofType); best != nil {
				chosen = append(chosen, *best)
			}
		}
		if len(chosen) == 0 {
			return nil, ErrNoMatchingRendition
		}
		return chosen, nil
	}
	return nil, fmt.Errorf("%w: unknown manifest kind", ErrNoMatchingRendition)
}
