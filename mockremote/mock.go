// Package mockremote is an in-memory storage_base.Remote for tests.
// Failures can be injected per object to exercise the retry and fallback paths.
package mockremote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/storage_base"
)

type object struct {
	name     string
	parent   string
	mimeType string
	data     []byte
	folder   bool
	public   bool
	modified time.Time
}

type MockRemote struct {
	Policy retry.Policy

	lock    sync.Mutex
	objects map[string]*object
	nextID  int
	// remaining transient failures per object id, decremented on every failed fetch
	transient map[string]int
	// objects that answer every read with this status
	permanent map[string]int
	fetches   map[string]int
}

var _ storage_base.Remote = (*MockRemote)(nil)

func New() *MockRemote {
	return &MockRemote{
		Policy: retry.Policy{
			MaxAttempts: 4,
			Initial:     time.Millisecond,
			Max:         4 * time.Millisecond,
		},
		objects:   make(map[string]*object),
		transient: make(map[string]int),
		permanent: make(map[string]int),
		fetches:   make(map[string]int),
	}
}

// Put stores data directly, bypassing Upload, and returns the new object id
func (m *MockRemote) Put(name string, mimeType string, data []byte) string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.put("", name, mimeType, data, false)
}

func (m *MockRemote) put(parent string, name string, mimeType string, data []byte, folder bool) string {
	m.nextID++
	id := fmt.Sprintf("obj%04d", m.nextID)
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	m.objects[id] = &object{
		name:     name,
		parent:   parent,
		mimeType: mimeType,
		data:     dataCopy,
		folder:   folder,
		modified: time.Unix(1700000000+int64(m.nextID), 0).UTC(),
	}
	return id
}

// FailTransiently makes the next n fetches of id fail with a 503
func (m *MockRemote) FailTransiently(id string, n int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.transient[id] = n
}

// FailPermanently makes every fetch of id fail with the given status
func (m *MockRemote) FailPermanently(id string, status int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.permanent[id] = status
}

// Fetches counts fetch attempts (failed ones included) against id
func (m *MockRemote) Fetches(id string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.fetches[id]
}

func (m *MockRemote) IsPublic(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	o, ok := m.objects[id]
	return ok && o.public
}

// Children lists the names of objects directly inside a folder
func (m *MockRemote) Children(parentID string) map[string]string {
	m.lock.Lock()
	defer m.lock.Unlock()
	ret := make(map[string]string)
	for id, o := range m.objects {
		if o.parent == parentID {
			ret[o.name] = id
		}
	}
	return ret
}

func (m *MockRemote) EnsureFolder(ctx context.Context, parentID string, name string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for id, o := range m.objects {
		if o.folder && o.parent == parentID && o.name == name {
			return id, nil
		}
	}
	return m.put(parentID, name, "application/vnd.google-apps.folder", nil, true), nil
}

func (m *MockRemote) Upload(ctx context.Context, folderID string, name string, mimeType string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return "", err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.put(folderID, name, mimeType, buf.Bytes(), false), nil
}

func (m *MockRemote) Metadata(ctx context.Context, objectID string) (storage_base.Metadata, error) {
	var meta storage_base.Metadata
	err := retry.Do(ctx, m.Policy, "mock metadata "+objectID, func(ctx context.Context) error {
		o, err := m.access(objectID)
		if err != nil {
			return err
		}
		sum := md5.Sum(o.data)
		meta = storage_base.Metadata{
			Name:         o.name,
			MimeType:     o.mimeType,
			Size:         int64(len(o.data)),
			Checksum:     hex.EncodeToString(sum[:]),
			ModifiedTime: o.modified,
		}
		return nil
	})
	return meta, err
}

func (m *MockRemote) DownloadChunked(ctx context.Context, objectID string, chunkSize int64) storage_base.ChunkStream {
	return retry.NewStream(m.Policy, "mock download "+objectID, chunkSize, m.fetch(objectID))
}

func (m *MockRemote) StreamRanged(ctx context.Context, objectID string, chunkSize int64) storage_base.ChunkStream {
	return retry.NewStream(m.Policy, "mock ranged "+objectID, chunkSize, m.fetch(objectID))
}

func (m *MockRemote) MakePublic(ctx context.Context, objectID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if o, ok := m.objects[objectID]; ok {
		o.public = true
	}
}

func (m *MockRemote) String() string {
	return "MockRemote"
}

func (m *MockRemote) access(objectID string) (*object, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.fetches[objectID]++
	if status, ok := m.permanent[objectID]; ok {
		return nil, &retry.StatusError{Code: status, Op: "mock " + objectID}
	}
	if m.transient[objectID] > 0 {
		m.transient[objectID]--
		return nil, &retry.StatusError{Code: http.StatusServiceUnavailable, Op: "mock " + objectID}
	}
	o, ok := m.objects[objectID]
	if !ok {
		return nil, &retry.StatusError{Code: http.StatusNotFound, Op: "mock " + objectID}
	}
	return o, nil
}

func (m *MockRemote) fetch(objectID string) retry.Fetch {
	return func(ctx context.Context, offset int64, limit int64) ([]byte, bool, error) {
		o, err := m.access(objectID)
		if err != nil {
			return nil, false, err
		}
		if offset >= int64(len(o.data)) {
			return nil, true, nil
		}
		end := offset + limit
		if end > int64(len(o.data)) {
			end = int64(len(o.data))
		}
		return o.data[offset:end], end == int64(len(o.data)), nil
	}
}
