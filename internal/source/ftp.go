package source

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/atlas-health/refsync/internal/resilience"
)

// FileDownloader fetches a remote file to a local path. Both the FTP and
// HTTP clients satisfy it; tests install fakes that write fixtures.
type FileDownloader interface {
	DownloadToFile(ctx context.Context, rawURL, path string) (int64, error)
}

// FTPClient downloads files from anonymous FTP servers.
type FTPClient struct {
	timeout time.Duration
}

// NewFTPClient builds an FTP client with the given dial timeout.
func NewFTPClient(timeout time.Duration) *FTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTPClient{timeout: timeout}
}

func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", resilience.Permanent(eris.Wrap(err, "parse ftp url"))
	}
	if u.Scheme != "ftp" {
		return "", "", resilience.Permanent(eris.Errorf("expected ftp scheme, got %q", u.Scheme))
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	if u.Path == "" {
		return "", "", resilience.Permanent(eris.New("empty path in ftp url"))
	}
	return host, u.Path, nil
}

// DownloadToFile retrieves ftpURL and writes it to path. Returns bytes
// written. Connection failures are transient; a missing remote file is
// permanent.
func (f *FTPClient) DownloadToFile(ctx context.Context, ftpURL, path string) (int64, error) {
	host, remote, err := parseFTPURL(ftpURL)
	if err != nil {
		return 0, err
	}

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("path", remote))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return 0, resilience.Transient(eris.Wrap(err, "ftp dial"), 0)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return 0, resilience.Transient(eris.Wrap(err, "ftp login"), 0)
	}

	resp, err := conn.Retr(remote)
	if err != nil {
		return 0, resilience.Permanent(eris.Wrapf(err, "ftp retrieve %s", remote))
	}
	defer resp.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, resp)
	if err != nil {
		return n, resilience.Transient(eris.Wrap(err, "write file"), 0)
	}
	return n, nil
}
