package sendfile

import (
	"container/list"
	"os"
	"sync"
)

// FileCache keeps recently served files open, evicting the least recently
// used. A file evicted while being sent is closed once its last holder
// releases it.
type FileCache struct {
	mu       sync.Mutex
	cache    map[string]*File
	lruList  *list.List
	maxFiles int
}

// File is a shared, reference counted open file
type File struct {
	*os.File
	Size int64

	cache   *FileCache
	path    string
	element *list.Element
	refs    int
	evicted bool
}

// NewFileCache creates a new file cache
func NewFileCache(maxFiles int) *FileCache {
	if maxFiles <= 0 {
		maxFiles = 1
	}
	return &FileCache{
		cache:    make(map[string]*File),
		lruList:  list.New(),
		maxFiles: maxFiles,
	}
}

// Open returns the cached file for path, opening it on a miss. Callers
// must Release the result.
func (fc *FileCache) Open(path string) (*File, error) {
	fc.mu.Lock()
	if f, ok := fc.cache[path]; ok {
		fc.lruList.MoveToFront(f.element)
		f.refs++
		fc.mu.Unlock()
		return f, nil
	}
	fc.mu.Unlock()

	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	// Lost a race with another opener
	if f, ok := fc.cache[path]; ok {
		osf.Close()
		fc.lruList.MoveToFront(f.element)
		f.refs++
		return f, nil
	}

	f := &File{File: osf, Size: st.Size(), cache: fc, path: path, refs: 1}
	f.element = fc.lruList.PushFront(f)
	fc.cache[path] = f

	for fc.lruList.Len() > fc.maxFiles {
		fc.evict(fc.lruList.Back().Value.(*File))
	}

	return f, nil
}

// evict drops f from the cache; callers hold fc.mu
func (fc *FileCache) evict(f *File) {
	fc.lruList.Remove(f.element)
	delete(fc.cache, f.path)
	f.evicted = true
	if f.refs == 0 {
		f.File.Close()
	}
}

// Release gives up a reference obtained from Open
func (f *File) Release() {
	fc := f.cache
	fc.mu.Lock()
	defer fc.mu.Unlock()

	f.refs--
	if f.refs == 0 && f.evicted {
		f.File.Close()
	}
}

// Len returns the number of cached files
func (fc *FileCache) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lruList.Len()
}

// Close evicts every cached file
func (fc *FileCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for fc.lruList.Len() > 0 {
		fc.evict(fc.lruList.Back().Value.(*File))
	}
}
