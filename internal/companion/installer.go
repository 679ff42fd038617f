package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"go.olrik.dev/wharf/internal/core"
)

// DownloadError is a failed companion download, whether the request failed
// or the server answered with a non-2xx status.
type DownloadError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download companion from %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("unexpected download response %s from %s", e.Status, e.URL)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// DownloadURL returns where the companion for goos/goarch is published on host.
// Only unix builds exist; anything but darwin gets the linux binary.
func DownloadURL(host, binary, goos, goarch string) (string, error) {
	u, err := url.Parse(normalizeHost(host))
	if err != nil {
		return "", fmt.Errorf("invalid remote host %q: %w", host, err)
	}

	arch := ""
	if goarch == "arm64" {
		arch = "-arm64"
	}

	var name string
	switch goos {
	case "darwin":
		name = fmt.Sprintf("%s-darwin%s", binary, arch)
	default:
		name = fmt.Sprintf("%s-linux%s", binary, arch)
	}

	u.Path = "/static/bin/" + name
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// checkExecutable reports ErrNotExecutable unless path can be executed
func checkExecutable(path string) error {
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotExecutable, path, err)
	}
	return nil
}

// EnsureInstalled returns a usable installation for host.
//
// A configured installation path always wins. Otherwise a fresh download is
// attempted; when its ETag differs from the cached installation's, the cached
// one and its running companion are discarded. A failed download only matters
// when no cached installation is left to fall back to.
func (m *Manager) EnsureInstalled(ctx context.Context, host string) (Installation, error) {
	authority, err := Authority(host)
	if err != nil {
		return Installation{}, err
	}

	cached, err := m.loadInstallation(ctx, authority)
	if err != nil {
		return Installation{}, fmt.Errorf("failed to read cached installation: %w", err)
	}

	if override := m.settings.InstallationPath; override != "" {
		return m.useConfiguredPath(ctx, authority, override, cached)
	}

	resp, downloadErr := m.download(ctx, host)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := ctx.Err(); err != nil {
		return Installation{}, err
	}

	if cached != nil && resp != nil {
		if etag := resp.Header.Get("ETag"); etag != "" && etag != cached.ETag {
			m.logger.Info("Companion is outdated, upgrading",
				"authority", authority,
				"installed", cached.ETag,
				"available", etag)
			if err := m.invalidate(ctx, authority, "upgrade"); err != nil {
				return Installation{}, err
			}
			m.logEvent("companion_upgraded", authority, fmt.Sprintf("%s -> %s", cached.ETag, etag))
			cached = nil
		}
	}

	if cached != nil {
		if err := checkExecutable(cached.Path); err != nil {
			m.logger.Info("Cached companion is gone, reinstalling", "path", cached.Path, "error", err)
			cached = nil
		}
	}

	if cached != nil {
		if downloadErr != nil {
			m.logger.Warn("Companion download failed, using cached installation",
				"path", cached.Path,
				"error", downloadErr)
		}
		return *cached, nil
	}

	if downloadErr != nil {
		return Installation{}, downloadErr
	}

	inst, err := m.install(ctx, resp)
	if err != nil {
		return Installation{}, err
	}
	if err := m.store.Set(ctx, InstallationKey(authority), inst); err != nil {
		return Installation{}, fmt.Errorf("failed to save installation: %w", err)
	}
	m.logEvent("companion_installed", authority, inst.Path)
	return inst, nil
}

func (m *Manager) useConfiguredPath(ctx context.Context, authority, path string, cached *Installation) (Installation, error) {
	if cached != nil && cached.Path != path {
		m.logger.Info("Companion differs from configured path, switching",
			"installed", cached.Path,
			"configured", path)
		if err := m.invalidate(ctx, authority, "installation path changed"); err != nil {
			return Installation{}, err
		}
	}

	if err := checkExecutable(path); err != nil {
		return Installation{}, err
	}

	inst := Installation{Path: path}
	if cached == nil || *cached != inst {
		if err := m.store.Set(ctx, InstallationKey(authority), inst); err != nil {
			return Installation{}, fmt.Errorf("failed to save installation: %w", err)
		}
	}
	return inst, nil
}

// download starts fetching the companion. Any failure is returned as a
// *DownloadError with a nil response.
func (m *Manager) download(ctx context.Context, host string) (*http.Response, error) {
	u, err := DownloadURL(host, m.settings.BinaryName, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return nil, &DownloadError{URL: host, Err: err}
	}
	m.logger.Debug("Fetching companion", "url", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &DownloadError{URL: u, Err: err}
	}
	req.Header.Set("User-Agent", core.UserAgent())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: u, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &DownloadError{URL: u, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// install writes the downloaded body to a fresh file and makes it executable
func (m *Manager) install(ctx context.Context, resp *http.Response) (Installation, error) {
	if err := os.MkdirAll(m.installDir, 0755); err != nil {
		return Installation{}, fmt.Errorf("create install dir: %w", err)
	}

	f, err := os.CreateTemp(m.installDir, m.settings.BinaryName+"-*")
	if err != nil {
		return Installation{}, fmt.Errorf("create companion file: %w", err)
	}
	path := f.Name()
	m.logger.Info("Installing companion", "path", path)

	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr, ctx.Err()); err != nil {
		os.Remove(path)
		return Installation{}, fmt.Errorf("write companion: %w", err)
	}

	if err := os.Chmod(path, 0755); err != nil {
		os.Remove(path)
		return Installation{}, fmt.Errorf("chmod companion: %w", err)
	}

	return Installation{Path: path, ETag: resp.Header.Get("ETag")}, nil
}
