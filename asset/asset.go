// Package asset maps an asset identity to the one place its bytes live.
// Nothing in here touches the disk or the network, and nothing in here can fail.
package asset

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity is what the caller knows about an uploaded file
type Identity struct {
	AlbumID       int64
	StoredName    string
	RemoteFileID  string
	RemoteThumbID string
}

// Location is either Local or Remote. Branch on it with a type switch, there are no other cases.
type Location interface {
	Album() string
	Name() string
	sealed()
}

type Local struct {
	AlbumKey   string
	StoredName string
	Path       string // absolute or root-relative path of the original on disk
}

type Remote struct {
	AlbumKey      string
	StoredName    string
	ObjectID      string
	ThumbObjectID string // may be empty if the thumbnail upload failed
	// where a local copy would be, for fallback when the remote is down
	LocalPath string
}

func (l Local) Album() string  { return l.AlbumKey }
func (l Local) Name() string   { return l.StoredName }
func (l Local) sealed()        {}
func (r Remote) Album() string { return r.AlbumKey }
func (r Remote) Name() string  { return r.StoredName }
func (r Remote) sealed()       {}

// AsLocal is where the same asset would be on local disk
func (r Remote) AsLocal() Local {
	return Local{AlbumKey: r.AlbumKey, StoredName: r.StoredName, Path: r.LocalPath}
}

func AlbumKey(albumID int64) string {
	return fmt.Sprintf("album_%06d", albumID)
}

// Resolve picks the backend: remote iff remote mode is on and the remote original was recorded
func Resolve(id Identity, remoteEnabled bool, root string) Location {
	key := AlbumKey(id.AlbumID)
	path := filepath.Join(root, key, SanitizeName(id.StoredName))
	if remoteEnabled && id.RemoteFileID != "" {
		return Remote{
			AlbumKey:      key,
			StoredName:    id.StoredName,
			ObjectID:      id.RemoteFileID,
			ThumbObjectID: id.RemoteThumbID,
			LocalPath:     path,
		}
	}
	return Local{
		AlbumKey:   key,
		StoredName: id.StoredName,
		Path:       path,
	}
}

// SanitizeName strips anything that could climb out of the album directory
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if name == "" {
		return "file"
	}
	return name
}

// Ext is the lowercase extension without the dot
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Numbered is "stem (i).ext", or name itself for i == 0
func Numbered(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + " (" + strconv.Itoa(i) + ")" + ext
}

// ThumbPath mirrors the original's place under the storage root, inside the thumbs dir.
// thumbnails are always jpeg, so a non-jpeg source gets ".jpg" appended instead of replacing its extension.
// that way "a.png" and "a.gif" in the same album never share a thumbnail
func ThumbPath(thumbsDir string, l Local) string {
	name := SanitizeName(l.StoredName)
	switch Ext(name) {
	case "jpg", "jpeg":
	default:
		name += ".jpg"
	}
	return filepath.Join(thumbsDir, l.AlbumKey, name)
}

// VariantPath is thumbs/<album>/_variants/<stored name>/<width>.<format>
func VariantPath(thumbsDir string, l Local, format string, width int) string {
	return filepath.Join(thumbsDir, l.AlbumKey, "_variants", SanitizeName(l.StoredName), strconv.Itoa(width)+"."+format)
}

// ThumbObjectName is the name of the pre-uploaded thumbnail in the remote _thumbs folder
func ThumbObjectName(storedName string) string {
	return "thumb_" + Stem(storedName) + ".jpg"
}

const RemoteThumbsFolder = "_thumbs"

type VariantKey struct {
	Format string
	Width  int
}

// DerivativeSet is everything generated from one original.
// Variants maps (format, target width) to the derivative's path or object id.
type DerivativeSet struct {
	Width    int // of the original, after orientation correction
	Height   int
	LQIP     string // data: uri
	Variants map[VariantKey]string
}
