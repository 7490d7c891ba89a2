package credentials

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const fileStoreKey = "credentials"

// FileStore persists credentials into a GKeyFile-shaped `.ini` file, one
// group per Kind, under `<data-dir>/gnome-remote-desktop/credentials.ini`
// (§6). The printable form of a Value is its YAML block-mapping
// representation flattened onto one line, analogous to the original's g_variant_print output,
// standing in for a library no pure-Go GVariant codec in the retrieval
// pack provides.
type FileStore struct {
	mu       sync.Mutex
	filename string
	groups   map[string]map[string]string
}

// NewFileStore opens (creating if necessary) the file-backed credentials
// store rooted at dataDir, mirroring grd-credentials-file.c's
// grd_credentials_file_new: create the parent directory, create an
// empty file if absent, then load it.
func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "gnome-remote-desktop")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create data dir: %w", err)
	}

	fs := &FileStore{
		filename: filepath.Join(dir, "credentials.ini"),
		groups:   make(map[string]map[string]string),
	}

	if _, err := os.Stat(fs.filename); os.IsNotExist(err) {
		if err := os.WriteFile(fs.filename, nil, 0o600); err != nil {
			return nil, fmt.Errorf("credentials: create credentials file: %w", err)
		}
	}

	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	f, err := os.Open(fs.filename)
	if err != nil {
		return fmt.Errorf("credentials: open credentials file: %w", err)
	}
	defer f.Close()

	var group string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			group = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if _, ok := fs.groups[group]; !ok {
				fs.groups[group] = make(map[string]string)
			}
		default:
			if group == "" {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			fs.groups[group][strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return scanner.Err()
}

func (fs *FileStore) saveLocked() error {
	var b strings.Builder
	for group, kv := range fs.groups {
		if len(kv) == 0 {
			continue
		}
		fmt.Fprintf(&b, "[%s]\n", group)
		for key, value := range kv {
			fmt.Fprintf(&b, "%s=%s\n", key, value)
		}
	}
	return os.WriteFile(fs.filename, []byte(b.String()), 0o600)
}

func (fs *FileStore) Store(kind Kind, value Value) error {
	serialized, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("credentials: serialize value: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	group := kind.groupName()
	if _, ok := fs.groups[group]; !ok {
		fs.groups[group] = make(map[string]string)
	}
	// Flatten the YAML block mapping to one printable line; newlines
	// become "; " so the ini line-per-key format round-trips.
	flat := strings.ReplaceAll(strings.TrimSpace(string(serialized)), "\n", "; ")
	fs.groups[group][fileStoreKey] = flat

	return fs.saveLocked()
}

func (fs *FileStore) Lookup(kind Kind) (Value, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kv, ok := fs.groups[kind.groupName()]
	if !ok {
		return Value{}, notFound(kind)
	}
	flat, ok := kv[fileStoreKey]
	if !ok {
		return Value{}, notFound(kind)
	}

	serialized := strings.ReplaceAll(flat, "; ", "\n")
	var value Value
	if err := yaml.Unmarshal([]byte(serialized), &value); err != nil {
		return Value{}, fmt.Errorf("credentials: parse stored value: %w", err)
	}
	return value, nil
}

func (fs *FileStore) Clear(kind Kind) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kv, ok := fs.groups[kind.groupName()]
	if !ok {
		return nil
	}
	delete(kv, fileStoreKey)
	return fs.saveLocked()
}
