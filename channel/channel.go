// Package channel scans the media root for channels (directories) and their
// episodes (video files), and tracks the current selection.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	MaxChannels = 16
	MaxEpisodes = 64
)

var (
	ErrNoChannels = errors.New("channel: no channels")
	ErrIndex      = errors.New("channel: index out of range")
)

var videoExtensions = []string{".avi", ".mjpeg", ".mjpg"}

// Episode is one playable file.
type Episode struct {
	Name string
	Path string
	Size int64
}

// Channel is a directory of episodes.
type Channel struct {
	Name     string
	Path     string
	Episodes []Episode
	current  int
}

// CurrentEpisode is the index of the selected episode.
func (c *Channel) CurrentEpisode() int { return c.current }

// Manager holds the scanned channels and the current selection. It is safe
// for concurrent use.
type Manager struct {
	root string
	log  *slog.Logger

	mu       sync.Mutex
	channels []*Channel
	current  int
}

// New returns a manager for root. Call Scan to populate it.
func New(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, log: logger.With("component", "channel")}
}

func isVideoFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, v := range videoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}

// Scan rereads the media root. A missing root is created and yields no
// channels. Channels without episodes are skipped.
func (m *Manager) Scan() error {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Warn("channels directory not found, creating", "root", m.root)
		if err := os.MkdirAll(m.root, 0o755); err != nil {
			return fmt.Errorf("channel: create root: %w", err)
		}
		entries = nil
	} else if err != nil {
		return fmt.Errorf("channel: scan %s: %w", m.root, err)
	}

	var channels []*Channel
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if len(channels) == MaxChannels {
			m.log.Warn("channel limit reached", "limit", MaxChannels)
			break
		}

		ch := &Channel{Name: e.Name(), Path: filepath.Join(m.root, e.Name())}
		if err := m.scanEpisodes(ch); err != nil {
			m.log.Warn("channel unreadable", "channel", ch.Name, "error", err)
			continue
		}
		if len(ch.Episodes) == 0 {
			m.log.Warn("channel has no episodes, skipping", "channel", ch.Name)
			continue
		}
		channels = append(channels, ch)
		m.log.Info("channel found", "index", len(channels), "name", ch.Name, "episodes", len(ch.Episodes))
	}

	m.mu.Lock()
	m.channels = channels
	m.current = 0
	m.mu.Unlock()

	m.log.Info("scan complete", "channels", len(channels))
	return nil
}

func (m *Manager) scanEpisodes(ch *Channel) error {
	entries, err := os.ReadDir(ch.Path)
	if err != nil {
		return err
	}
	// ReadDir sorts by name.
	for _, e := range entries {
		if !e.Type().IsRegular() || !isVideoFile(e.Name()) {
			continue
		}
		if len(ch.Episodes) == MaxEpisodes {
			break
		}
		ep := Episode{
			Name: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path: filepath.Join(ch.Path, e.Name()),
		}
		if info, err := e.Info(); err == nil {
			ep.Size = info.Size()
		}
		ch.Episodes = append(ch.Episodes, ep)
	}
	sort.SliceStable(ch.Episodes, func(i, j int) bool { return ch.Episodes[i].Name < ch.Episodes[j].Name })
	return nil
}

// Count returns the number of channels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// CurrentIndex returns the selected channel index.
func (m *Manager) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Current returns a copy of the selected channel.
func (m *Manager) Current() (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return Channel{}, false
	}
	return *m.channels[m.current], true
}

// CurrentEpisode returns the selected episode of the selected channel.
func (m *Manager) CurrentEpisode() (Episode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return Episode{}, false
	}
	ch := m.channels[m.current]
	return ch.Episodes[ch.current], true
}

// Next selects the next channel, wrapping around.
func (m *Manager) Next() error {
	return m.step(1)
}

// Prev selects the previous channel, wrapping around.
func (m *Manager) Prev() error {
	return m.step(-1)
}

func (m *Manager) step(delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.channels)
	if n == 0 {
		return ErrNoChannels
	}
	m.current = ((m.current+delta)%n + n) % n
	m.log.Info("channel switched", "index", m.current+1, "name", m.channels[m.current].Name)
	return nil
}

// Set selects channel idx.
func (m *Manager) Set(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.channels) {
		return fmt.Errorf("%w: channel %d of %d", ErrIndex, idx, len(m.channels))
	}
	m.current = idx
	return nil
}

// NextEpisode advances the selected channel to its next episode, wrapping
// around.
func (m *Manager) NextEpisode() (Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return Episode{}, ErrNoChannels
	}
	ch := m.channels[m.current]
	ch.current = (ch.current + 1) % len(ch.Episodes)
	ep := ch.Episodes[ch.current]
	m.log.Info("next episode", "channel", ch.Name, "episode", ep.Name)
	return ep, nil
}

// SetEpisode selects episode idx of the selected channel.
func (m *Manager) SetEpisode(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return ErrNoChannels
	}
	ch := m.channels[m.current]
	if idx < 0 || idx >= len(ch.Episodes) {
		return fmt.Errorf("%w: episode %d of %d", ErrIndex, idx, len(ch.Episodes))
	}
	ch.current = idx
	return nil
}
