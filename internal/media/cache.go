// Package media caches the images of group messages for vision-capable models.
//
// Images are downloaded when a message arrives, downsized so the longest edge
// fits MaxDimension, stored as JPEG under <dir>/<group>/<message>-<n>.jpg and
// deleted once their message has been compressed out of history.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

const (
	defaultMaxDimension = 1024
	defaultMaxBytes     = 10 * 1024 * 1024
	jpegQuality         = 85
)

// Cache stores downsized images per group message.
type Cache struct {
	dir      string
	maxDim   int
	maxBytes int64
	client   *http.Client

	mu       sync.Mutex
	inflight map[string]chan struct{} // key(group, message) -> closed when capture ends
}

// New creates the cache directory.
func New(cfg config.MediaConfig) (*Cache, error) {
	dir := config.ExpandHome(cfg.Dir)
	if dir == "" {
		return nil, errors.New("media dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	c := &Cache{
		dir:      dir,
		maxDim:   cfg.MaxDimension,
		maxBytes: cfg.MaxBytes,
		client:   &http.Client{Timeout: 30 * time.Second},
		inflight: make(map[string]chan struct{}),
	}
	if c.maxDim <= 0 {
		c.maxDim = defaultMaxDimension
	}
	if c.maxBytes <= 0 {
		c.maxBytes = defaultMaxBytes
	}
	return c, nil
}

// Capture downloads the image segments of ev. Segments without a URL are
// skipped. It returns the number of images stored.
func (c *Cache) Capture(ctx context.Context, ev bus.TriggerEvent) (int, error) {
	imgs := ev.Images()
	if len(imgs) == 0 {
		return 0, nil
	}

	done := c.begin(ev.GroupID, ev.MessageID)
	defer done()
	return c.capture(ctx, ev, imgs)
}

// CaptureAsync registers the capture before returning, so a Load of the
// same message that follows waits for it, then downloads in the background.
func (c *Cache) CaptureAsync(ev bus.TriggerEvent) {
	imgs := ev.Images()
	if len(imgs) == 0 {
		return
	}
	done := c.begin(ev.GroupID, ev.MessageID)
	go func() {
		defer done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := c.capture(ctx, ev, imgs)
		if err != nil {
			slog.Warn("media: capture failed", "group", ev.GroupID, "message", ev.MessageID, "stored", n, "error", err)
			return
		}
		slog.Debug("media: captured", "group", ev.GroupID, "message", ev.MessageID, "stored", n)
	}()
}

func (c *Cache) capture(ctx context.Context, ev bus.TriggerEvent, imgs []bus.Segment) (int, error) {
	var errs []error
	stored := 0
	for i, seg := range imgs {
		if seg.URL == "" {
			slog.Debug("media: image without url skipped", "group", ev.GroupID, "message", ev.MessageID, "file", seg.File)
			continue
		}
		if err := c.fetch(ctx, ev.GroupID, ev.MessageID, i, seg.URL); err != nil {
			errs = append(errs, fmt.Errorf("image %d: %w", i, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

func (c *Cache) fetch(ctx context.Context, groupID, messageID string, idx int, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	if resp.ContentLength > c.maxBytes {
		return fmt.Errorf("image too large: %d bytes (max %d)", resp.ContentLength, c.maxBytes)
	}
	return c.Put(groupID, messageID, idx, resp.Body)
}

// Put decodes an image from r, downsizes it and stores it as image idx of
// the message. Reads at most MaxBytes.
func (c *Cache) Put(groupID, messageID string, idx int, r io.Reader) error {
	lr := &io.LimitedReader{R: r, N: c.maxBytes + 1}
	img, err := imaging.Decode(lr, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if lr.N <= 0 {
		return fmt.Errorf("image exceeds %d bytes", c.maxBytes)
	}
	img = c.downsize(img)

	dir := filepath.Join(c.dir, safeName(groupID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".media-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	final := filepath.Join(dir, fmt.Sprintf("%s-%d.jpg", safeName(messageID), idx))
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store image: %w", err)
	}
	return nil
}

func (c *Cache) downsize(img image.Image) image.Image {
	b := img.Bounds()
	if b.Dx() <= c.maxDim && b.Dy() <= c.maxDim {
		return img
	}
	return imaging.Fit(img, c.maxDim, c.maxDim, imaging.Lanczos)
}

// Load returns the cached images of a message in segment order. It waits
// for an in-progress capture of the same message unless ctx ends first.
func (c *Cache) Load(ctx context.Context, groupID, messageID string) ([]providers.ImageContent, error) {
	c.mu.Lock()
	ch := c.inflight[key(groupID, messageID)]
	c.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	paths, err := c.files(groupID, messageID)
	if err != nil {
		return nil, err
	}
	images := make([]providers.ImageContent, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("media: failed to read cached image", "path", p, "error", err)
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

// DeleteMessages removes the cached images of the given messages.
func (c *Cache) DeleteMessages(groupID string, messageIDs []string) error {
	var errs []error
	for _, id := range messageIDs {
		paths, err := c.files(groupID, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// DeleteGroup removes every cached image of a group.
func (c *Cache) DeleteGroup(groupID string) error {
	return os.RemoveAll(filepath.Join(c.dir, safeName(groupID)))
}

func (c *Cache) files(groupID, messageID string) ([]string, error) {
	pattern := filepath.Join(c.dir, safeName(groupID), safeName(messageID)+"-*.jpg")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool { return imageIndex(paths[i]) < imageIndex(paths[j]) })
	return paths, nil
}

func (c *Cache) begin(groupID, messageID string) func() {
	k := key(groupID, messageID)
	ch := make(chan struct{})
	c.mu.Lock()
	c.inflight[k] = ch
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.inflight[k] == ch {
			delete(c.inflight, k)
		}
		c.mu.Unlock()
		close(ch)
	}
}

func key(groupID, messageID string) string { return groupID + "/" + messageID }

func imageIndex(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".jpg")
	n := 0
	if i := strings.LastIndexByte(base, '-'); i >= 0 {
		fmt.Sscanf(base[i+1:], "%d", &n)
	}
	return n
}

// safeName maps an ID to a single path element.
func safeName(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
