package local

import (
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
)

// modTimes records modification times for filesystems that do not keep
// them. memfs reports the current time from every Stat, which would give a
// file a new identity each time it is opened.
type modTimes struct {
	mu    sync.Mutex
	times map[string]time.Time
}

func newModTimes() *modTimes {
	return &modTimes{times: make(map[string]time.Time)}
}

// get returns the recorded time for p. A path written behind the backend's
// back is stamped the first time it is seen.
func (m *modTimes) get(p string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.times[p]
	if !ok {
		t = time.Now()
		m.times[p] = t
	}
	return t
}

func (m *modTimes) set(p string, t time.Time) {
	m.mu.Lock()
	m.times[p] = t
	m.mu.Unlock()
}

func (m *modTimes) touch(p string) {
	m.set(p, time.Now())
}

// remove forgets p and everything below it.
func (m *modTimes) remove(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := p + "/"
	for k := range m.times {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(m.times, k)
		}
	}
}

// rename moves the times of from and everything below it to to.
func (m *modTimes) rename(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := from + "/"
	moved := make(map[string]time.Time)
	for k, t := range m.times {
		switch {
		case k == from:
			moved[to] = t
		case strings.HasPrefix(k, prefix):
			moved[to+"/"+strings.TrimPrefix(k, prefix)] = t
		default:
			continue
		}
		delete(m.times, k)
	}
	for k, t := range moved {
		m.times[k] = t
	}
}

// stampedFile restamps its path when closed.
type stampedFile struct {
	billy.File
	times *modTimes
	path  string
}

func (f *stampedFile) Close() error {
	err := f.File.Close()
	f.times.touch(f.path)
	return err
}
