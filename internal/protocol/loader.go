package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxDocumentSize caps a protocol JSON document
const MaxDocumentSize = 16 * 1024

// maxCustomSlots bounds the custom_N.json names handed out by Upload
const maxCustomSlots = 100

// Reference prefixes accepted by Resolve
const (
	SourceBuiltin = "builtin"
	SourceCustom  = "custom"
)

// Info describes one stored definition
type Info struct {
	Filename     string `json:"filename"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Size         int64  `json:"size"`
}

// Loader manages the on-disk library of custom definitions
type Loader struct {
	dir    string
	client *http.Client
	log    logrus.FieldLogger

	mu        sync.Mutex
	lastError string
}

// NewLoader creates a loader rooted at dir
func NewLoader(dir string, logger logrus.FieldLogger) *Loader {
	return &Loader{
		dir:    dir,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.WithField("component", "protocol"),
	}
}

// SetHTTPClient replaces the client used by FetchFromURL
func (l *Loader) SetHTTPClient(c *http.Client) {
	l.client = c
}

// Dir returns the library directory
func (l *Loader) Dir() string {
	return l.dir
}

// Init creates the library directory
func (l *Loader) Init() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return l.fail(fmt.Errorf("failed to create protocol directory: %w", err))
	}
	return nil
}

// LastError returns the reason of the most recent failure
func (l *Loader) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

func (l *Loader) fail(err error) error {
	l.mu.Lock()
	l.lastError = err.Error()
	l.mu.Unlock()
	l.log.WithError(err).Warn("protocol operation failed")
	return err
}

func (l *Loader) ok() {
	l.mu.Lock()
	l.lastError = ""
	l.mu.Unlock()
}

// LoadString parses and validates a JSON document
func (l *Loader) LoadString(doc string) (*Definition, error) {
	return l.LoadBytes([]byte(doc))
}

// LoadBytes parses and validates a JSON document
func (l *Loader) LoadBytes(doc []byte) (*Definition, error) {
	if len(doc) > MaxDocumentSize {
		return nil, l.fail(fmt.Errorf("protocol document too large: %d bytes (max %d)", len(doc), MaxDocumentSize))
	}
	d, err := Parse(doc)
	if err != nil {
		return nil, l.fail(err)
	}
	l.ok()
	return d, nil
}

func fileName(name string) string {
	name = strings.TrimSpace(name)
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return name
}

// path maps a library file name to a path inside dir
func (l *Loader) path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid protocol file name %q", name)
	}
	return filepath.Join(l.dir, fileName(name)), nil
}

// LoadFile reads a definition from the library
func (l *Loader) LoadFile(name string) (*Definition, error) {
	p, err := l.path(name)
	if err != nil {
		return nil, l.fail(err)
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, l.fail(fmt.Errorf("%w: file does not exist: %s", ErrNotFound, filepath.Base(p)))
		}
		return nil, l.fail(fmt.Errorf("%w: failed to open protocol file: %v", ErrStorage, err))
	}
	defer f.Close()

	doc, err := io.ReadAll(io.LimitReader(f, MaxDocumentSize+1))
	if err != nil {
		return nil, l.fail(fmt.Errorf("failed to read protocol file: %w", err))
	}
	return l.LoadBytes(doc)
}

// SaveFile validates d and writes it to the library
func (l *Loader) SaveFile(name string, d *Definition) error {
	if err := d.Validate(); err != nil {
		return l.fail(fmt.Errorf("protocol validation failed: %w", err))
	}
	p, err := l.path(name)
	if err != nil {
		return l.fail(err)
	}

	doc, err := Encode(d)
	if err != nil {
		return l.fail(fmt.Errorf("failed to encode protocol: %w", err))
	}
	if len(doc) > MaxDocumentSize {
		return l.fail(fmt.Errorf("protocol document too large: %d bytes (max %d)", len(doc), MaxDocumentSize))
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return l.fail(fmt.Errorf("%w: failed to create protocol directory: %v", ErrStorage, err))
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return l.fail(fmt.Errorf("%w: failed to write protocol file: %v", ErrStorage, err))
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return l.fail(fmt.Errorf("%w: failed to write protocol file: %v", ErrStorage, err))
	}

	l.log.WithFields(logrus.Fields{"file": filepath.Base(p), "name": d.Name}).Info("Saved protocol")
	l.ok()
	return nil
}

// List returns every parseable definition in the library, sorted by file name
func (l *Loader) List() ([]Info, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Info{}, nil
		}
		return nil, l.fail(fmt.Errorf("%w: failed to read protocol directory: %v", ErrStorage, err))
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Size() > MaxDocumentSize {
			continue
		}
		doc, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			continue
		}
		d, err := Decode(doc)
		if err != nil {
			l.log.WithError(err).WithField("file", e.Name()).Debug("Skipping unreadable protocol file")
			continue
		}
		infos = append(infos, Info{
			Filename:     e.Name(),
			Name:         d.Name,
			Manufacturer: d.Manufacturer,
			Size:         fi.Size(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Filename < infos[j].Filename })
	return infos, nil
}

// Delete removes a definition from the library
func (l *Loader) Delete(name string) error {
	p, err := l.path(name)
	if err != nil {
		return l.fail(err)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l.fail(fmt.Errorf("%w: file does not exist: %s", ErrNotFound, filepath.Base(p)))
		}
		return l.fail(fmt.Errorf("%w: failed to delete protocol file: %v", ErrStorage, err))
	}
	l.log.WithField("file", filepath.Base(p)).Info("Deleted protocol")
	l.ok()
	return nil
}

// nextCustomName returns the first free custom_N.json slot
func (l *Loader) nextCustomName() (string, error) {
	for i := 0; i < maxCustomSlots; i++ {
		name := fmt.Sprintf("custom_%d.json", i)
		_, err := os.Stat(filepath.Join(l.dir, name))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return name, nil
		case err != nil:
			return "", fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return "", fmt.Errorf("no free custom protocol slot (max %d)", maxCustomSlots)
}

// Upload validates doc and stores it under the next free custom_N.json name
func (l *Loader) Upload(doc []byte) (string, *Definition, error) {
	d, err := l.LoadBytes(doc)
	if err != nil {
		return "", nil, err
	}
	name, err := l.nextCustomName()
	if err != nil {
		return "", nil, l.fail(err)
	}
	if err := l.SaveFile(name, d); err != nil {
		return "", nil, err
	}
	return name, d, nil
}

// FetchFromURL downloads a definition and stores it as name (or the next
// custom slot when name is empty). Nothing is written unless the document
// validates.
func (l *Loader) FetchFromURL(ctx context.Context, url, name string) (string, *Definition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, l.fail(fmt.Errorf("%w: %v", ErrFetch, err))
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", nil, l.fail(fmt.Errorf("%w: HTTP request failed: %v", ErrFetch, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, l.fail(fmt.Errorf("%w: HTTP request failed with status %d", ErrFetch, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return "", nil, l.fail(fmt.Errorf("%w: %v", ErrFetch, err))
	}
	if len(body) == 0 || len(body) > MaxDocumentSize {
		return "", nil, l.fail(fmt.Errorf("%w: invalid response size %d", ErrFetch, len(body)))
	}

	d, err := l.LoadBytes(bytes.TrimSpace(body))
	if err != nil {
		return "", nil, err
	}

	if name == "" {
		if name, err = l.nextCustomName(); err != nil {
			return "", nil, l.fail(err)
		}
	}
	if err := l.SaveFile(name, d); err != nil {
		return "", nil, err
	}
	l.log.WithFields(logrus.Fields{"url": url, "name": d.Name}).Info("Fetched protocol")
	return fileName(name), d, nil
}

// Resolve loads a definition from a reference of the form "builtin:<name>"
// or "custom:<file>". A bare name is looked up among the builtins first.
func (l *Loader) Resolve(ref string) (*Definition, error) {
	source, name, found := strings.Cut(ref, ":")
	if !found {
		name = source
		if d, ok := Builtin(name); ok {
			return d, nil
		}
		return l.LoadFile(name)
	}

	switch source {
	case SourceBuiltin:
		d, ok := Builtin(name)
		if !ok {
			return nil, l.fail(fmt.Errorf("%w: builtin %q", ErrNotFound, name))
		}
		return d, nil
	case SourceCustom:
		return l.LoadFile(name)
	default:
		return nil, l.fail(fmt.Errorf("unknown protocol source %q", source))
	}
}
