package gdrive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/utils"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

type Options struct {
	// service account JSON key
	CredentialsFile string
	Policy          retry.Policy

	// both optional, tests point these at a fake server
	HTTPClient *http.Client
	Endpoint   string
}

// Drive is a Google Drive folder tree used as the remote backend.
// Object IDs are Drive file IDs, so files can be renamed or moved in Drive without breaking anything.
type Drive struct {
	srv    *drive.Service
	client *http.Client
	policy retry.Policy
}

var _ storage_base.Remote = (*Drive)(nil)

func New(ctx context.Context, opts Options) (*Drive, error) {
	client := opts.HTTPClient
	if client == nil {
		b, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading Drive credentials: %w", err)
		}
		config, err := google.JWTConfigFromJSON(b, drive.DriveScope)
		if err != nil {
			return nil, fmt.Errorf("parsing Drive service account credentials: %w", err)
		}
		client = config.Client(ctx)
	}
	clientOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	srv, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive client: %w", err)
	}
	return &Drive{
		srv:    srv,
		client: client,
		policy: opts.Policy,
	}, nil
}

// translate turns googleapi errors into the status errors retry understands
func translate(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%w: %s", &retry.StatusError{Code: gerr.Code, Op: op}, gerr.Message)
	}
	return err
}

// inb4 gdrive query injection
func quote(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// EnsureFolder returns the first folder called name inside parentID, creating it if there isn't one
func (gd *Drive) EnsureFolder(ctx context.Context, parentID string, name string) (string, error) {
	var id string
	err := retry.Do(ctx, gd.policy, "finding folder "+name, func(ctx context.Context) error {
		r, err := gd.srv.Files.List().
			Q(quote(parentID) + " in parents and name = " + quote(name) + " and mimeType = " + quote(folderMimeType) + " and trashed = false").
			Fields("files(id, name)").
			PageSize(1).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Corpora("allDrives").
			Context(ctx).
			Do()
		if err != nil {
			return translate("list "+parentID, err)
		}
		if len(r.Files) > 0 {
			id = r.Files[0].Id
		}
		return nil
	})
	if err != nil || id != "" {
		return id, err
	}
	dir := &drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}
	file, err := gd.srv.Files.Create(dir).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		log.Println("Could not create dir", name, "in", parentID)
		return "", translate("create folder "+name, err)
	}
	log.Println("Created Google Drive folder", name, "with ID", file.Id)
	return file.Id, nil
}

// Upload is a single attempt, data can't be replayed. Size and md5 are checked against what Drive says it got.
func (gd *Drive) Upload(ctx context.Context, folderID string, name string, mimeType string, data io.Reader) (string, error) {
	hs := utils.NewMD5HasherSizer()
	file, err := gd.srv.Files.Create(&drive.File{
		MimeType: mimeType,
		Name:     name,
		Parents:  []string{folderID},
	}).Fields("id, md5Checksum, size, name").SupportsAllDrives(true).Media(io.TeeReader(data, &hs)).Context(ctx).Do()
	if err != nil {
		log.Println("gdrive error", err)
		return "", translate("upload "+name, err)
	}
	hash, size := hs.HashAndSize()
	log.Println("Upload output: Name:", file.Name, "ID:", file.Id)
	if size != file.Size {
		return "", fmt.Errorf("%w: gdrive stored %d bytes of %s, expected %d", storage_base.ErrRemoteUnavailable, file.Size, name, size)
	}
	if expected := hex.EncodeToString(hash); file.Md5Checksum != "" && expected != file.Md5Checksum {
		return "", fmt.Errorf("%w: gdrive md5 of %s is %s, expected %s", storage_base.ErrRemoteUnavailable, name, file.Md5Checksum, expected)
	}
	return file.Id, nil
}

func (gd *Drive) Metadata(ctx context.Context, objectID string) (storage_base.Metadata, error) {
	var meta storage_base.Metadata
	err := retry.Do(ctx, gd.policy, "metadata of "+objectID, func(ctx context.Context) error {
		file, err := gd.srv.Files.Get(objectID).
			Fields("id, name, mimeType, size, md5Checksum, modifiedTime").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		if err != nil {
			return translate("get "+objectID, err)
		}
		meta = storage_base.Metadata{
			Name:     file.Name,
			MimeType: file.MimeType,
			Size:     file.Size,
			Checksum: file.Md5Checksum,
		}
		if file.ModifiedTime != "" {
			modified, err := dateparse.ParseAny(file.ModifiedTime)
			if err != nil {
				log.Println("Unparseable modifiedTime", file.ModifiedTime, "on", objectID)
			} else {
				meta.ModifiedTime = modified
			}
		}
		return nil
	})
	return meta, err
}

// DownloadChunked pulls the object chunk by chunk through the Drive API client
func (gd *Drive) DownloadChunked(ctx context.Context, objectID string, chunkSize int64) storage_base.ChunkStream {
	return retry.NewStream(gd.policy, "gdrive download "+objectID, chunkSize, func(ctx context.Context, offset int64, limit int64) ([]byte, bool, error) {
		getCall := gd.srv.Files.Get(objectID).SupportsAllDrives(true).Context(ctx)
		getCall.Header().Set("Range", utils.FormatHTTPRange(offset, limit))
		resp, err := getCall.Download()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusRequestedRangeNotSatisfiable {
				// asking for bytes past the end, which is also what an empty file looks like
				return nil, true, nil
			}
			return nil, false, translate("download "+objectID, err)
		}
		defer resp.Body.Close()
		return retry.ReadRanged(resp, offset, limit)
	})
}

// StreamRanged issues plain ranged GETs against the media endpoint with the authorized client
func (gd *Drive) StreamRanged(ctx context.Context, objectID string, chunkSize int64) storage_base.ChunkStream {
	mediaURL := strings.TrimSuffix(gd.srv.BasePath, "/") + "/files/" + url.PathEscape(objectID) + "?alt=media&supportsAllDrives=true"
	return retry.NewStream(gd.policy, "gdrive ranged "+objectID, chunkSize, retry.RangedHTTP(gd.client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	}))
}

// MakePublic grants anyone-with-the-link read access. Failure only costs us direct links, so it's logged and dropped.
func (gd *Drive) MakePublic(ctx context.Context, objectID string) {
	_, err := gd.srv.Permissions.Create(objectID, &drive.Permission{
		Type: "anyone",
		Role: "reader",
	}).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		log.Println("Unable to make", objectID, "public:", err)
	}
}

func (gd *Drive) String() string {
	return "Google Drive at " + gd.srv.BasePath
}
