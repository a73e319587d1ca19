package source

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures an FTPSource.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPSource retrieves a newline-delimited JSON file from an FTP server
// using anonymous login.
type FTPSource struct {
	url  string
	opts FTPOptions
}

// NewFTPSource creates an FTPSource for the given ftp:// URL.
func NewFTPSource(url string, opts FTPOptions) *FTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPSource{url: url, opts: opts}
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "source: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("source: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("source: empty path in ftp url")
	}

	return host, path, nil
}

func (s *FTPSource) Fetch(ctx context.Context) ([]RawRecord, error) {
	host, path, err := parseFTPURL(s.url)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ftp source: connecting",
		zap.String("host", host),
		zap.String("path", path),
	)

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(s.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "source: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, eris.Wrap(err, "source: ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	return decodeJSONL(ctx, resp, s.url)
}
