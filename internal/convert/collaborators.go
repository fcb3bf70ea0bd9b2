package convert

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Converter turns a document on disk into Markdown. It is an external
// collaborator (spec.md §1): the core treats it as an opaque black box and
// never inspects how it works, only its (markdown, meta, err) contract.
type Converter interface {
	Convert(ctx context.Context, path string, opts Options) (markdown string, meta Metadata, err error)
}

// Splitter decomposes a PDF into per-page files. Opaque collaborator.
type Splitter interface {
	Split(ctx context.Context, path string) (pagePaths []string, pageCount int, err error)
}

// Fetcher resolves a SourceSpec to a local file path. Opaque collaborator;
// production deployments plug in upload/URL/cloud-storage adapters behind
// this single interface.
type Fetcher interface {
	Fetch(ctx context.Context, spec SourceSpec, destDir string) (localPath string, err error)
}

// localFetcher resolves "file" sources directly and downloads "url" sources
// over HTTP(S), matching the constraint in spec.md §6.1 that URL sources
// must be HTTP(S).
type localFetcher struct {
	client *http.Client
}

// NewLocalFetcher returns the default Fetcher: pass-through for local
// files, bounded HTTP GET for remote URLs.
func NewLocalFetcher(timeout time.Duration) Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &localFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *localFetcher) Fetch(ctx context.Context, spec SourceSpec, destDir string) (string, error) {
	switch spec.Type {
	case "file", "":
		if spec.Path == "" {
			return "", fmt.Errorf("empty file source")
		}
		return spec.Path, nil

	case "url":
		if !strings.HasPrefix(spec.Path, "http://") && !strings.HasPrefix(spec.Path, "https://") {
			return "", fmt.Errorf("url source must be http(s): %q", spec.Path)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Path, nil)
		if err != nil {
			return "", err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("fetch %s: http %d", spec.Path, resp.StatusCode)
		}

		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return "", err
		}
		name := filepath.Base(spec.Path)
		if name == "" || name == "." || name == "/" {
			name = "source.bin"
		}
		dest := filepath.Join(destDir, name)
		out, err := os.Create(dest)
		if err != nil {
			return "", err
		}
		defer out.Close()
		if _, err := io.Copy(out, resp.Body); err != nil {
			return "", err
		}
		return dest, nil

	default:
		return "", fmt.Errorf("unsupported source type %q", spec.Type)
	}
}

// DetectDocument sniffs a local file's MIME type and size, used for both
// the split decision (§4.3.2 step 5) and upload validation (§6.1).
func DetectDocument(path string) (DocumentInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return DocumentInfo{}, err
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return DocumentInfo{}, err
	}
	return DocumentInfo{
		MimeType:         mtype.String(),
		SizeBytes:        info.Size(),
		OriginalFilename: filepath.Base(path),
	}, nil
}

// AllowedMimeTypes enumerates the formats the service accepts, per
// spec.md §6.1 ("allowed MIME types enumerated").
var AllowedMimeTypes = map[string]bool{
	"application/pdf":                                                         true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/msword":                                                      true,
	"text/html":                                                               true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/rtf":                                                            true,
	"text/rtf":                                                                   true,
	"application/vnd.oasis.opendocument.text":                                    true,
}

// IsAllowedMime reports whether mtype is accepted for conversion. Any
// parameters after ";" (such as a charset) are stripped before an exact
// lookup in AllowedMimeTypes; parent or prefix types are not matched.
func IsAllowedMime(mtype string) bool {
	base := strings.SplitN(mtype, ";", 2)[0]
	base = strings.TrimSpace(base)
	return AllowedMimeTypes[base]
}

// stubConverter produces deterministic Markdown from a file's contents
// without understanding the source format. It exists so the orchestration
// core is testable end-to-end without a real conversion engine wired in;
// production deployments provide a real Converter at process startup.
type stubConverter struct{}

// NewStubConverter returns the default Converter used for local
// development and tests, and by any test harness that doesn't wire a real
// conversion engine.
func NewStubConverter() Converter { return &stubConverter{} }

func (stubConverter) Convert(_ context.Context, path string, _ Options) (string, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", Metadata{}, err
	}
	md := fmt.Sprintf("# %s\n\n%s", filepath.Base(path), string(data))
	words := len(strings.Fields(md))
	return md, Metadata{
		Words:     words,
		SizeBytes: int64(len(md)),
		Format:    "markdown",
	}, nil
}

// stubSplitter returns the whole file as a single "page"; it does no PDF
// page extraction, so with the default MinSplitPages of 2 it never triggers
// the split path. A real Splitter performs actual PDF page extraction.
type stubSplitter struct{}

// NewStubSplitter returns the default Splitter used for local development
// and tests.
func NewStubSplitter() Splitter { return &stubSplitter{} }

func (stubSplitter) Split(_ context.Context, path string) ([]string, int, error) {
	return []string{path}, 1, nil
}
