// Package thumbs produces the derived images of an original: the thumbnail, the responsive
// variants and the blurred placeholder. Everything it writes is published atomically, so a
// derivative on disk is either complete or absent and any reader may treat presence as done.
package thumbs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dichfoto/photostore/asset"
	"github.com/dichfoto/photostore/db"
	"github.com/dichfoto/photostore/local"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var imageExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"webp": true,
	"gif":  true,
}

func IsImage(name string) bool {
	return imageExtensions[asset.Ext(name)]
}

type Options struct {
	ThumbsDir  string
	MaxWidth   int
	EnableWebP bool
	EnableAVIF bool
}

type Pipeline struct {
	opts     Options
	store    *local.Store
	index    *db.Index // optional
	encoders map[string]encoder
	flight   singleflight.Group
	encodes  atomic.Int64
}

// New pipeline writing under opts.ThumbsDir, which must be one of the store's roots.
// index may be nil.
func New(opts Options, store *local.Store, index *db.Index) *Pipeline {
	if opts.MaxWidth < 1 {
		panic("thumbnail max width must be positive")
	}
	encoders := map[string]encoder{FormatJPEG: jpegEncoder()}
	if opts.EnableWebP {
		encoders[FormatWebP] = webpEncoder()
	}
	if opts.EnableAVIF {
		encoders[FormatAVIF] = avifEncoder()
	}
	return &Pipeline{
		opts:     opts,
		store:    store,
		index:    index,
		encoders: encoders,
	}
}

// Formats the pipeline can encode, in generation order
func (p *Pipeline) Formats() []string {
	var ret []string
	for _, format := range allFormats {
		if _, ok := p.encoders[format]; ok {
			ret = append(ret, format)
		}
	}
	return ret
}

func (p *Pipeline) Supports(format string) bool {
	_, ok := p.encoders[format]
	return ok
}

// Encodes is how many images this pipeline has encoded and published so far
func (p *Pipeline) Encodes() int64 {
	return p.encodes.Load()
}

func (p *Pipeline) ThumbPath(l asset.Local) string {
	return asset.ThumbPath(p.opts.ThumbsDir, l)
}

// EnsureThumbnail returns the path of the thumbnail of l, generating it if it isn't there yet.
// ok is false for originals that aren't images.
func (p *Pipeline) EnsureThumbnail(ctx context.Context, l asset.Local) (path string, ok bool, err error) {
	if !IsImage(l.StoredName) {
		return "", false, nil
	}
	path = p.ThumbPath(l)
	if p.store.Exists(path) {
		log.Println("Thumbnail cache hit", path)
		return path, true, nil
	}
	_, err, _ = p.flight.Do(path, func() (interface{}, error) {
		if p.store.Exists(path) {
			return nil, nil // someone else just published it
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Println("Generating thumbnail of", l.Path)
		img, err := p.decode(l)
		if err != nil {
			return nil, err
		}
		data, err := encodeToBytes(p.encoders[FormatJPEG], downscale(img, p.opts.MaxWidth), thumbQuality)
		if err != nil {
			return nil, fmt.Errorf("encoding thumbnail of %s: %w", l.Path, err)
		}
		return nil, p.publish(path, data)
	})
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

// EnsureVariants returns the full derivative set of l, generating whatever is missing.
// Non images are ErrUnsupportedMediaType.
func (p *Pipeline) EnsureVariants(ctx context.Context, l asset.Local) (*asset.DerivativeSet, error) {
	if !IsImage(l.StoredName) {
		return nil, fmt.Errorf("%s: %w", l.StoredName, storage_base.ErrUnsupportedMediaType)
	}
	if set := p.cached(ctx, l); set != nil {
		return set, nil
	}
	key := p.manifestPath(l)
	result, err, _ := p.flight.Do(key, func() (interface{}, error) {
		if set := p.cached(ctx, l); set != nil {
			return set, nil
		}
		return p.generateVariants(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	return result.(*asset.DerivativeSet), nil
}

// cached finds a complete set from the index or the manifest on disk.
// a set whose files have disappeared doesn't count
func (p *Pipeline) cached(ctx context.Context, l asset.Local) *asset.DerivativeSet {
	if p.index != nil {
		set, ok, err := p.index.LoadDerivatives(ctx, l.AlbumKey, l.StoredName)
		if err != nil {
			log.Println("Derivative index lookup failed for", l.StoredName, err)
		} else if ok && p.complete(set) {
			return set
		}
	}
	set, err := p.readManifest(l)
	if err != nil {
		return nil
	}
	if !p.complete(set) {
		return nil
	}
	if p.index != nil {
		if err := p.index.SaveDerivatives(ctx, l.AlbumKey, l.StoredName, set); err != nil {
			log.Println("Unable to index derivatives of", l.StoredName, err)
		}
	}
	return set
}

func (p *Pipeline) complete(set *asset.DerivativeSet) bool {
	for key, path := range set.Variants {
		if !p.Supports(key.Format) {
			continue
		}
		if !p.store.Exists(path) {
			return false
		}
	}
	// a format enabled since the set was made means it's missing some
	for _, format := range p.Formats() {
		for _, width := range VariantWidths {
			if width > set.Width {
				continue
			}
			if _, ok := set.Variants[asset.VariantKey{Format: format, Width: width}]; !ok {
				return false
			}
		}
	}
	return true
}

func (p *Pipeline) generateVariants(ctx context.Context, l asset.Local) (*asset.DerivativeSet, error) {
	log.Println("Generating variants of", l.Path)
	img, err := p.decode(l)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	set := &asset.DerivativeSet{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Variants: make(map[asset.VariantKey]string),
	}
	set.LQIP, err = lqip(img)
	if err != nil {
		return nil, fmt.Errorf("lqip of %s: %w", l.Path, err)
	}

	formats := p.Formats()
	paths := make([]map[int]string, len(formats))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, format := range formats {
		paths[i] = make(map[int]string)
		group.Go(func() error {
			for _, width := range VariantWidths {
				if width > set.Width {
					continue // never upscale
				}
				if err := groupCtx.Err(); err != nil {
					return err
				}
				path := asset.VariantPath(p.opts.ThumbsDir, l, format, width)
				if !p.store.Exists(path) {
					data, err := encodeToBytes(p.encoders[format], downscale(img, width), variantQuality)
					if err != nil {
						return fmt.Errorf("encoding %s variant %d of %s: %w", format, width, l.Path, err)
					}
					if err := p.publish(path, data); err != nil {
						return err
					}
				}
				paths[i][width] = path
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	for i, format := range formats {
		for width, path := range paths[i] {
			set.Variants[asset.VariantKey{Format: format, Width: width}] = path
		}
	}

	if err := p.writeManifest(l, set); err != nil {
		return nil, err
	}
	if p.index != nil {
		if err := p.index.SaveDerivatives(ctx, l.AlbumKey, l.StoredName, set); err != nil {
			log.Println("Unable to index derivatives of", l.StoredName, err)
		}
	}
	return set, nil
}

// decode the original with exif orientation applied
func (p *Pipeline) decode(l asset.Local) (image.Image, error) {
	f, _, err := p.store.Open(l.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w: %v", l.Path, storage_base.ErrUnsupportedMediaType, err)
	}
	return img, nil
}

func (p *Pipeline) publish(path string, data []byte) error {
	if _, err := p.store.WriteAtomic(path, bytes.NewReader(data)); err != nil {
		return err
	}
	p.encodes.Add(1)
	return nil
}

// MakeThumbBytes is a JPEG thumbnail of whatever image r holds, for callers that never put the
// original on local disk
func MakeThumbBytes(r io.Reader, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage_base.ErrUnsupportedMediaType, err)
	}
	return encodeToBytes(jpegEncoder(), downscale(img, maxWidth), thumbQuality)
}

func lqip(img image.Image) (string, error) {
	data, err := encodeToBytes(jpegEncoder(), downscale(img, lqipWidth), lqipQuality)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

type manifest struct {
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	LQIP     string            `json:"lqip"`
	Variants []manifestVariant `json:"variants"`
}

type manifestVariant struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Path   string `json:"path"`
}

// the manifest sits next to the variants and is published last
func (p *Pipeline) manifestPath(l asset.Local) string {
	return filepath.Join(filepath.Dir(asset.VariantPath(p.opts.ThumbsDir, l, FormatJPEG, 1)), "set.json")
}

func (p *Pipeline) writeManifest(l asset.Local, set *asset.DerivativeSet) error {
	m := manifest{Width: set.Width, Height: set.Height, LQIP: set.LQIP}
	for _, format := range allFormats {
		for _, width := range VariantWidths {
			if path, ok := set.Variants[asset.VariantKey{Format: format, Width: width}]; ok {
				m.Variants = append(m.Variants, manifestVariant{Format: format, Width: width, Path: path})
			}
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	_, err = p.store.WriteAtomic(p.manifestPath(l), bytes.NewReader(data))
	return err
}

func (p *Pipeline) readManifest(l asset.Local) (*asset.DerivativeSet, error) {
	f, _, err := p.store.Open(p.manifestPath(l))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(m.LQIP, "data:") {
		return nil, errors.New("manifest without lqip")
	}
	set := &asset.DerivativeSet{Width: m.Width, Height: m.Height, LQIP: m.LQIP, Variants: make(map[asset.VariantKey]string)}
	for _, v := range m.Variants {
		set.Variants[asset.VariantKey{Format: v.Format, Width: v.Width}] = v.Path
	}
	return set, nil
}
