// Package fetcher downloads source files over HTTP(S) or FTP and reads
// spreadsheets.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a remote file.
type Fetcher interface {
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Multi dispatches on the URL scheme.
type Multi struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewMulti returns a fetcher for http, https and ftp URLs.
func NewMulti(h *HTTPFetcher, f *FTPFetcher) *Multi {
	m := &Multi{}
	if h != nil {
		m.HTTP = h
	}
	if f != nil {
		m.FTP = f
	}
	return m
}

// Download routes rawURL to the fetcher for its scheme.
func (m *Multi) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse %s", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		if m.HTTP != nil {
			return m.HTTP.Download(ctx, rawURL)
		}
	case "ftp":
		if m.FTP != nil {
			return m.FTP.Download(ctx, rawURL)
		}
	}
	return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
}

// DownloadToFile writes rawURL to path and returns the bytes written.
func DownloadToFile(ctx context.Context, f Fetcher, rawURL, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "fetcher: write file")
	}
	return n, nil
}
