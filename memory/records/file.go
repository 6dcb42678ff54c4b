// Package records holds the source-of-truth stores for memory cards.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/nim-memory/core"
)

var (
	// ErrInvalidCharacterID is returned for ids that cannot name a file.
	ErrInvalidCharacterID = errors.New("invalid character id")

	// ErrCardNotFound is returned when updating or deleting an unknown card.
	ErrCardNotFound = errors.New("memory card not found")
)

// Extensions recognised by FileStore, in lookup order.
var Extensions = []string{".json", ".yaml", ".yml"}

// Character is the on-disk character record.
type Character struct {
	Name        string       `json:"name" yaml:"name"`
	MemoryCards []CardRecord `json:"memory_cards" yaml:"memory_cards"`
}

// CardRecord is one card as written by hand. Data and Text are synonyms;
// Data wins when both are set.
type CardRecord struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Key  string `json:"key" yaml:"key"`
	Data string `json:"data,omitempty" yaml:"data,omitempty"`
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
}

// Cards converts records to memory cards. Records without an id get
// card-<n>, numbered from 1 by position.
func (c *Character) Cards() []core.MemoryCard {
	cards := make([]core.MemoryCard, len(c.MemoryCards))
	for i, r := range c.MemoryCards {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("card-%d", i+1)
		}
		text := r.Data
		if text == "" {
			text = r.Text
		}
		cards[i] = core.MemoryCard{ID: id, Key: r.Key, Text: text}
	}
	return cards
}

// FileStore reads character files from Dir: <id>.json, <id>.yaml or <id>.yml.
type FileStore struct {
	Dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func validID(characterID string) error {
	if characterID == "" || characterID == "." || characterID == ".." ||
		strings.ContainsAny(characterID, `/\`) || strings.ContainsRune(characterID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidCharacterID, characterID)
	}
	return nil
}

// Path returns the file backing characterID, or "" when none exists.
func (s *FileStore) Path(characterID string) (string, error) {
	if err := validID(characterID); err != nil {
		return "", err
	}
	for _, ext := range Extensions {
		p := filepath.Join(s.Dir, characterID+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", nil
}

// Load reads a character record. A missing file yields an empty record.
func (s *FileStore) Load(ctx context.Context, characterID string) (*Character, error) {
	path, err := s.Path(characterID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return &Character{Name: characterID}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Character
	switch filepath.Ext(path) {
	case ".json":
		err = json.Unmarshal(data, &c)
	default:
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &c, nil
}

// Cards implements memory.RecordStore.
func (s *FileStore) Cards(ctx context.Context, characterID string) ([]core.MemoryCard, error) {
	c, err := s.Load(ctx, characterID)
	if err != nil {
		return nil, err
	}
	return c.Cards(), nil
}

// Save writes a character record, keeping the format of an existing file
// and defaulting to JSON.
func (s *FileStore) Save(ctx context.Context, characterID string, c *Character) error {
	path, err := s.Path(characterID)
	if err != nil {
		return err
	}
	if path == "" {
		path = filepath.Join(s.Dir, characterID+".json")
	}

	var data []byte
	if filepath.Ext(path) == ".json" {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Characters lists the ids of every character file in Dir.
func (s *FileStore) Characters(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := CharacterIDFromFile(e.Name()); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CharacterIDFromFile maps a file name back to its character id.
func CharacterIDFromFile(name string) (string, bool) {
	base := filepath.Base(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(base, ext) && len(base) > len(ext) {
			return strings.TrimSuffix(base, ext), true
		}
	}
	return "", false
}
