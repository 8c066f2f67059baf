package rktbuild

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Slow snapshot mirrors need more than the default handshake budget.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Minute, // installers can be several hundred MB
	}
}

// fetchBytes downloads a small resource (catalog records, installer table)
// fully into memory.
func fetchBytes(url string) ([]byte, error) {
	resp, err := newHTTPClient().Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

type downloadOptions struct {
	Quiet bool // Quiet suppresses the progress bar
}

// downloadFile downloads a URL into destFile. A flock on destFile.lock
// serializes concurrent fetches of the same artifact across processes.
func downloadFile(url, destFile string, opt downloadOptions) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}

	lockPath := destFile + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// DOUBLE CHECK: another run may have finished the download while we
	// waited on the lock.
	if _, err := os.Stat(destFile); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", destFile)
		_ = os.Remove(lockPath)
		return nil
	}

	debugf("Downloading %s -> %s\n", url, destFile)

	resp, err := newHTTPClient().Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	tmpPath := destFile + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	var dest io.Writer = out
	if !opt.Quiet && term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dest = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(dest, resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("download of %s failed: %w", url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destFile); err != nil {
		os.Remove(tmpPath)
		return err
	}
	_ = os.Remove(lockPath)
	return nil
}
