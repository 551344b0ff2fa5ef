// Package proxy fetches media (clips, thumbnails) from the upstream's
// hosting domains on behalf of local clients. Every destination is
// allowlist-checked, redirects included, so a poisoned URL from the cloud
// can't turn the gateway into an open fetcher.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-cloudcam/internal/guard"
	"github.com/technosupport/ts-cloudcam/internal/gwerr"
	"github.com/technosupport/ts-cloudcam/internal/platform/paths"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
)

// CredentialSource hands out a call-ready upstream credential and recovers
// from a mid-call rejection.
type CredentialSource interface {
	EnsureValidCredential(ctx context.Context) (upstream.Credential, error)
	HandleAuthRejected(ctx context.Context) (upstream.Credential, error)
}

// EventSink receives download lifecycle notifications. Optional.
type EventSink interface {
	Publish(subject string, payload any)
}

// Resolver expands upstream-relative media paths.
type Resolver interface {
	ResolveURL(cred upstream.Credential, path string) string
}

// Stats counts proxy activity. Optional.
type Stats interface {
	ThumbnailHit()
	ThumbnailMiss()
	DownloadStarted()
	DownloadBytes(n int64)
}

const thumbnailCacheSize = 256

// Proxy is the guarded media fetcher.
type Proxy struct {
	guard    *guard.Guard
	creds    CredentialSource
	resolver Resolver
	client   *http.Client
	jobs     *JobRegistry
	dlDir    string
	stats    Stats
	sink     EventSink

	thumbs *lru.Cache[string, cachedThumb]
}

type cachedThumb struct {
	data        []byte
	contentType string
}

func New(g *guard.Guard, creds CredentialSource, resolver Resolver, downloadDir string) *Proxy {
	cache, _ := lru.New[string, cachedThumb](thumbnailCacheSize)
	return &Proxy{
		guard:    g,
		creds:    creds,
		resolver: resolver,
		client: &http.Client{
			Timeout:       5 * time.Minute,
			CheckRedirect: g.CheckRedirect,
		},
		jobs:   NewJobRegistry(),
		dlDir:  downloadDir,
		thumbs: cache,
	}
}

// WithStats attaches a stats counter.
func (p *Proxy) WithStats(stats Stats) *Proxy {
	p.stats = stats
	return p
}

// WithSink attaches a lifecycle event sink.
func (p *Proxy) WithSink(sink EventSink) *Proxy {
	p.sink = sink
	return p
}

// Jobs exposes the download registry.
func (p *Proxy) Jobs() *JobRegistry { return p.jobs }

// open validates and fetches a media URL. A 401 from the media host gets
// one refresh-and-retry before it surfaces; a dead refresh token forces a
// logout inside HandleAuthRejected.
func (p *Proxy) open(ctx context.Context, mediaPath string) (*http.Response, error) {
	cred, err := p.creds.EnsureValidCredential(ctx)
	if err != nil {
		return nil, err
	}

	res, err := p.fetch(ctx, cred, mediaPath)
	if err == nil || gwerr.KindOf(err) != gwerr.KindAuthExpired {
		return res, err
	}

	cred, err = p.creds.HandleAuthRejected(ctx)
	if err != nil {
		return nil, err
	}
	return p.fetch(ctx, cred, mediaPath)
}

func (p *Proxy) fetch(ctx context.Context, cred upstream.Credential, mediaPath string) (*http.Response, error) {
	u, err := p.guard.Validate(p.resolver.ResolveURL(cred, mediaPath))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	// Go drops the Authorization header itself on cross-host redirects.
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	res, err := p.client.Do(req)
	if err != nil {
		if gwerr.KindOf(err) == gwerr.KindDestinationRejected {
			return nil, gwerr.New(gwerr.KindDestinationRejected, "redirect left the allowlist", err)
		}
		return nil, gwerr.New(gwerr.KindIOError, "media fetch failed", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		res.Body.Close()
		return nil, gwerr.New(gwerr.KindAuthExpired, "media host rejected credential", nil)
	case res.StatusCode >= 400:
		status := res.StatusCode
		res.Body.Close()
		return nil, gwerr.Upstream(status, fmt.Sprintf("media fetch %s", mediaPath))
	}
	return res, nil
}

// Stream copies a clip straight through to w (an HTTP response, usually).
// Returns the content type and length header for the caller to forward.
func (p *Proxy) Stream(ctx context.Context, w io.Writer, mediaPath string) error {
	res, err := p.open(ctx, mediaPath)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if _, err := io.Copy(w, res.Body); err != nil {
		return gwerr.New(gwerr.KindIOError, "media stream interrupted", err)
	}
	return nil
}

// ContentInfo probes a clip's headers without transferring the body.
func (p *Proxy) ContentInfo(ctx context.Context, mediaPath string) (contentType string, length int64, err error) {
	res, err := p.open(ctx, mediaPath)
	if err != nil {
		return "", 0, err
	}
	res.Body.Close()
	return res.Header.Get("Content-Type"), res.ContentLength, nil
}

// Thumbnail fetches a camera or clip thumbnail through a small LRU cache.
// Thumbnails are immutable per URL, so cache hits skip the upstream round
// trip entirely.
func (p *Proxy) Thumbnail(ctx context.Context, thumbPath string) ([]byte, string, error) {
	if hit, ok := p.thumbs.Get(thumbPath); ok {
		if p.stats != nil {
			p.stats.ThumbnailHit()
		}
		return hit.data, hit.contentType, nil
	}
	if p.stats != nil {
		p.stats.ThumbnailMiss()
	}

	res, err := p.open(ctx, normalizeThumbPath(thumbPath))
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, "", gwerr.New(gwerr.KindIOError, "thumbnail read failed", err)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	p.thumbs.Add(thumbPath, cachedThumb{data: data, contentType: contentType})
	return data, contentType, nil
}

// Camera thumbnails come back from the inventory as bare paths without an
// extension; the hosting endpoint wants .jpg appended. Clip thumbnails
// already carry one.
func normalizeThumbPath(p string) string {
	if strings.HasPrefix(p, "http") || strings.Contains(filepath.Base(p), ".") {
		return p
	}
	return p + ".jpg"
}

// StartDownload begins a background clip download into the downloads dir.
// Progress is observable via the returned job.
func (p *Proxy) StartDownload(mediaPath, filename string) (*Job, error) {
	if filename == "" {
		filename = filepath.Base(mediaPath)
	}
	dest, err := paths.SafeJoin(p.dlDir, filename)
	if err != nil {
		return nil, gwerr.New(gwerr.KindDestinationRejected, "bad download filename", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := newJob(filename, dest, cancel)
	p.jobs.add(job)
	if p.stats != nil {
		p.stats.DownloadStarted()
	}

	go p.runDownload(ctx, job, mediaPath)
	return job, nil
}

func (p *Proxy) runDownload(ctx context.Context, job *Job, mediaPath string) {
	err := p.downloadTo(ctx, job, mediaPath)
	switch {
	case err == nil:
		job.finish(JobDone, nil)
		log.Printf("Proxy: download %s complete (%d bytes)", job.Name, job.Status().Bytes)
	case ctx.Err() != nil:
		os.Remove(job.Dest)
		job.finish(JobCancelled, nil)
		log.Printf("Proxy: download %s cancelled", job.Name)
	default:
		os.Remove(job.Dest)
		job.finish(JobFailed, err)
		log.Printf("Proxy: download %s failed: %v", job.Name, err)
	}
	if p.sink != nil {
		st := job.Status()
		p.sink.Publish("download."+string(st.State), st)
	}
}

func (p *Proxy) downloadTo(ctx context.Context, job *Job, mediaPath string) error {
	res, err := p.open(ctx, mediaPath)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.ContentLength > 0 {
		job.setTotal(res.ContentLength)
	}

	if err := os.MkdirAll(filepath.Dir(job.Dest), 0o750); err != nil {
		return err
	}
	f, err := os.Create(job.Dest)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 128*1024)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			job.advance(int64(n))
			if p.stats != nil {
				p.stats.DownloadBytes(int64(n))
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return gwerr.New(gwerr.KindIOError, "download interrupted", rerr)
		}
	}
}
