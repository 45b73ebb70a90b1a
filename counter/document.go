package counter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/mcp-apps-go/mcp"
	"github.com/ggoodman/mcp-apps-go/mcpserver"
)

// DocumentFile is the name of the bundled app document inside a dist directory.
const DocumentFile = "mcp-app.html"

//go:embed ui/mcp-app.html
var embeddedDocument string

// Document holds the app document served at ResourceURI. It is read from a
// dist directory when one is configured and falls back to the embedded copy
// otherwise.
type Document struct {
	dir string
	log *slog.Logger

	mu   sync.RWMutex
	html string
	err  error
}

// DocumentOption configures LoadDocument.
type DocumentOption func(*Document)

// WithDocumentLogger sets the structured logger.
func WithDocumentLogger(l *slog.Logger) DocumentOption {
	return func(d *Document) {
		if l != nil {
			d.log = l
		}
	}
}

// LoadDocument reads the document from dir. An empty dir selects the embedded
// document. A missing file is not an error here; reads fail until it appears.
func LoadDocument(dir string, opts ...DocumentOption) *Document {
	d := &Document{dir: dir, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(d)
	}
	if dir == "" {
		d.html = embeddedDocument
		return d
	}
	d.reload()
	return d
}

func (d *Document) path() string { return filepath.Join(d.dir, DocumentFile) }

func (d *Document) reload() {
	b, err := os.ReadFile(d.path())
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", mcpserver.ErrResourceNotFound, d.path())
		}
		d.html, d.err = "", err
		d.log.Warn("ui.document.load.fail", slog.String("path", d.path()), slog.String("err", err.Error()))
		return
	}
	d.html, d.err = string(b), nil
	d.log.Info("ui.document.load.ok", slog.String("path", d.path()), slog.Int("bytes", len(b)))
}

// HTML returns the current document.
func (d *Document) HTML() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.html, d.err
}

// Resource exposes the document as an MCP resource.
func (d *Document) Resource() mcpserver.Resource {
	return mcpserver.Resource{
		Descriptor: mcp.Resource{
			URI:         ResourceURI,
			Name:        "counter-ui",
			Description: "Interactive counter app",
			MimeType:    mcp.UIResourceMimeType,
		},
		Read: func(_ context.Context, uri string) ([]mcp.ResourceContents, error) {
			html, err := d.HTML()
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{{URI: uri, MimeType: mcp.UIResourceMimeType, Text: html}}, nil
		},
	}
}

// Watch reloads the document whenever the file in the dist directory changes,
// until ctx is done. It returns immediately for the embedded document.
func (d *Document) Watch(ctx context.Context) error {
	if d.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("counter: watch %s: %w", d.dir, err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(d.dir); err != nil {
		return fmt.Errorf("counter: watch %s: %w", d.dir, err)
	}

	target := filepath.Clean(d.path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Debug("ui.document.watch.error", slog.String("err", err.Error()))
		}
	}
}
