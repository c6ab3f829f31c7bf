package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"streamdl/internal/assemble"
	"streamdl/internal/config"
	"streamdl/internal/fetch"
	"streamdl/internal/logger"
	"streamdl/internal/manifest"
	"streamdl/internal/plan"
)

// Params describes one download job.
type Params struct {
	URL      string
	SaveDir  string
	SaveName string

	// OnProgress, when set, receives monotone per-track progress.
	OnProgress func(track string, done, total int)
}

// TrackReport is the outcome for one selected rendition. Err is set
// for per-track failures (plan errors, assembly errors, degraded
// decryption); a failed track never aborts its sibling.
type TrackReport struct {
	RenditionID    string
	Type           manifest.ContentType
	Bandwidth      int
	Total          int
	Succeeded      int
	CountEstimated bool
	Artifact       *assemble.Artifact
	Err            error
}

// Report summarizes a whole run.
type Report struct {
	JobID  uuid.UUID
	Kind   manifest.Kind
	Tracks []TrackReport
}

// Failed reports whether every track of the run failed outright.
func (r *Report) Failed() bool {
	for i := range r.Tracks {
		if r.Tracks[i].Err == nil {
			return false
		}
	}
	return len(r.Tracks) > 0
}

// Engine wires the manifest model, planner, scheduler and assembler
// into one download pipeline.
type Engine struct {
	opts   *config.Options
	client *http.Client
	keys   *fetch.KeyService
	logger logger.Logger
}

// New builds an engine from processed options.
func New(opts *config.Options, log logger.Logger) (*Engine, error) {
	client, err := fetch.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:   opts,
		client: client,
		keys:   fetch.NewKeyService(client, log),
		logger: log,
	}, nil
}

// Download runs the full pipeline: fetch and parse the manifest,
// resolve an HLS master to its chosen child, select rendition(s),
// expand, fetch and assemble. Parse-level failures abort the run;
// everything later is per track.
func (e *Engine) Download(ctx context.Context, params Params) (*Report, error) {
	jobID := uuid.New()

	saveName := params.SaveName
	if saveName == "" {
		saveName = "output"
	}
	saveDir := params.SaveDir
	if saveDir == "" {
		saveDir = "downloads"
	}
	workDir := filepath.Join(saveDir, "tmp_"+saveName)

	e.logger.Infof("Job %s: analyzing %s", jobID, params.URL)

	m, base, err := e.loadManifest(ctx, params.URL)
	if err != nil {
		return nil, err
	}

	// An HLS master only references child playlists; resolve the
	// chosen child before any segments are visible.
	if m.Kind == manifest.KindHLS && m.Master() {
		m, base, err = e.resolveMaster(ctx, m, base)
		if err != nil {
			return nil, err
		}
	}

	chosen, err := manifest.Choose(m)
	if err != nil {
		return nil, err
	}

	report := &Report{JobID: jobID, Kind: m.Kind}
	for i := range chosen {
		report.Tracks = append(report.Tracks, e.runTrack(ctx, &chosen[i], m.Kind, base, workDir, saveDir, saveName, len(chosen), params.OnProgress))
	}

	// The working directory disappears once every track cleaned up.
	os.Remove(workDir)
	return report, nil
}

func (e *Engine) loadManifest(ctx context.Context, rawURL string) (*manifest.Manifest, *url.URL, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid manifest URL %q: %w", rawURL, err)
	}

	body, err := fetch.FetchBody(ctx, e.client, rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	m, err := manifest.Parse(body, base)
	if err != nil {
		return nil, nil, err
	}
	return m, base, nil
}

func (e *Engine) resolveMaster(ctx context.Context, m *manifest.Manifest, base *url.URL) (*manifest.Manifest, *url.URL, error) {
	best := manifest.MaxBandwidth(m.Renditions)
	if best == nil || best.ChildURI == "" {
		return nil, nil, manifest.ErrNoMatchingRendition
	}
	e.logger.Infof("Master playlist detected, selecting variant %s (bandwidth %d)", best.ID, best.Bandwidth)

	childRef, err := url.Parse(best.ChildURI)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid child URI %q", manifest.ErrMalformedManifest, best.ChildURI)
	}
	childURL := base.ResolveReference(childRef)

	return e.loadManifestFrom(ctx, childURL)
}

func (e *Engine) loadManifestFrom(ctx context.Context, u *url.URL) (*manifest.Manifest, *url.URL, error) {
	body, err := fetch.FetchBody(ctx, e.client, u.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch child playlist: %w", err)
	}
	m, err := manifest.Parse(body, u)
	if err != nil {
		return nil, nil, err
	}
	return m, u, nil
}

func (e *Engine) runTrack(ctx context.Context, rend *manifest.Rendition, kind manifest.Kind, base *url.URL, workDir, saveDir, saveName string, trackCount int, onProgress func(string, int, int)) TrackReport {
	track := TrackReport{
		RenditionID: rend.ID,
		Type:        rend.Type,
		Bandwidth:   rend.Bandwidth,
	}
	trackName := rend.Type.String()

	trackDir := filepath.Join(workDir, trackName)
	if err := os.MkdirAll(trackDir, 0o755); err != nil {
		track.Err = fmt.Errorf("failed to create working directory %s: %w", trackDir, err)
		return track
	}

	p, err := plan.Expand(rend, base, trackDir)
	if err != nil {
		track.Err = err
		return track
	}
	track.Total = len(p.Entries)
	track.CountEstimated = p.CountEstimated
	if p.CountEstimated {
		e.logger.Warnf("Track %s: segment count is a bounded estimate, the stream may be incomplete", trackName)
	}

	e.logger.Infof("Track %s: rendition %s (bandwidth %d), %d segments planned",
		trackName, rend.ID, rend.Bandwidth, len(p.Entries))

	scheduler := fetch.NewScheduler(e.client, e.keys, e.logger, e.opts.Concurrency, e.opts.RequestTimeout)
	if onProgress != nil {
		scheduler.OnProgress = func(done, total int) { onProgress(trackName, done, total) }
	}
	results := scheduler.Run(ctx, p)

	for _, r := range results {
		if r.Err == nil {
			track.Succeeded++
		} else {
			e.logger.Warnf("Track %s: segment %d failed: %v", trackName, r.Index, r.Err)
		}
	}
	e.logger.Infof("Track %s: %d of %d segments retrieved", trackName, track.Succeeded, track.Total)

	// HLS segments were decrypted in the scheduler; only DASH assets
	// carry container-level encryption for the external tool.
	var decryptor *assemble.Decryptor
	if kind == manifest.KindDASH {
		decryptor = assemble.NewDecryptor(e.opts, e.logger)
	}

	outPath := outputPath(saveDir, saveName, kind, rend.Type, trackCount)
	artifact, err := assemble.New(e.logger, decryptor).Finalize(p, results, outPath)
	track.Artifact = artifact
	if err != nil {
		// A degraded (still encrypted) artifact is surfaced, never
		// silently swallowed.
		track.Err = err
		if !errors.Is(err, assemble.ErrDecryptionFailed) {
			return track
		}
	}

	if artifact != nil {
		e.logger.Infof("Track %s: saved %d bytes to %s (encrypted: %v)",
			trackName, artifact.Bytes, artifact.Path, artifact.Encrypted)
	}

	if track.Succeeded == track.Total && track.Err == nil {
		assemble.CleanupSegments(p, trackDir)
	}
	return track
}

// outputPath names the artifact from the caller-supplied base name
// plus a content-type suffix: raw TS concatenation for HLS, fragmented
// MP4 for DASH. The type suffix is dropped when only one track runs.
func outputPath(saveDir, saveName string, kind manifest.Kind, ct manifest.ContentType, trackCount int) string {
	if kind == manifest.KindHLS {
		return filepath.Join(saveDir, saveName+".ts")
	}
	if trackCount == 1 {
		return filepath.Join(saveDir, saveName+".mp4")
	}
	return filepath.Join(saveDir, saveName+"."+ct.String()+".mp4")
}
