package blob

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const Scheme = "blob:"

var ErrNotFound = errors.New("blob url not found or revoked")

// Blob 进程内的二进制对象
type Blob struct {
	Data     []byte
	MimeType string
}

// Store 把短生命周期的二进制数据映射成可播放的 blob: URL
type Store struct {
	blobs cmap.ConcurrentMap[string, Blob]
}

func NewStore() *Store {
	return &Store{blobs: cmap.New[Blob]()}
}

var defaultStore = NewStore()

// Default 进程级共享实例，采集与播放通过它交换录音
func Default() *Store {
	return defaultStore
}

// CreateURL 登记数据并返回新的 URL，调用方负责在不用时 Revoke
func (s *Store) CreateURL(data []byte, mimeType string) string {
	url := Scheme + uuid.NewString()
	s.blobs.Set(url, Blob{Data: data, MimeType: mimeType})
	return url
}

func (s *Store) Get(url string) (Blob, error) {
	b, ok := s.blobs.Get(url)
	if !ok {
		return Blob{}, ErrNotFound
	}
	return b, nil
}

// Revoke 释放 URL，重复调用无副作用
func (s *Store) Revoke(url string) {
	s.blobs.Remove(url)
}

func (s *Store) Len() int {
	return s.blobs.Count()
}

func IsBlobURL(url string) bool {
	return strings.HasPrefix(url, Scheme)
}
