package client

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/wire"
)

// File operations against the device's onboard filesystem. Listings
// arrive unsolicited during the config replay; transfers run over the
// XMODEM sub-protocol, one at a time.

// FileEntry is one file the device has reported.
type FileEntry struct {
	Path string `json:"path"`
	Size uint32 `json:"size"`
}

func (c *Client) recordFileInfo(fi *wire.FileInfo) {
	c.filesMu.Lock()
	c.files[fi.FileName] = fi.SizeBytes
	c.filesMu.Unlock()
	c.log.Debug("client: file info",
		zap.String("path", fi.FileName), zap.Uint32("size", fi.SizeBytes))
}

// ListFiles returns the known device filesystem entries, sorted by path.
func (c *Client) ListFiles() []FileEntry {
	c.filesMu.Lock()
	out := make([]FileEntry, 0, len(c.files))
	for p, size := range c.files {
		out = append(out, FileEntry{Path: p, Size: size})
	}
	c.filesMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// DownloadFile copies remotePath from the device to localPath and
// returns the final local path. When localPath is a directory the
// remote base name is used. A failed or cancelled transfer removes the
// partial local file.
func (c *Client) DownloadFile(remotePath, localPath string, overwrite bool, timeout time.Duration) (string, error) {
	remotePath = strings.TrimSpace(remotePath)
	if remotePath == "" {
		return "", errors.New("client: remote path must be provided")
	}
	if localPath == "" {
		localPath = "."
	}
	if info, err := os.Stat(localPath); err == nil && info.IsDir() {
		localPath = filepath.Join(localPath, path.Base(remotePath))
	}
	if _, err := os.Stat(localPath); err == nil && !overwrite {
		return "", fmt.Errorf("client: destination %s already exists", localPath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("client: create destination dir: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("client: create %s: %w", localPath, err)
	}

	sess, err := c.xfers.StartDownload(remotePath, f)
	if err != nil {
		os.Remove(localPath)
		return "", err
	}
	out := sess.Wait(timeout)
	if out.RemoveLocal {
		if rerr := os.Remove(localPath); rerr != nil {
			c.log.Debug("client: remove partial download", zap.Error(rerr))
		}
	}
	if !out.Success {
		return "", out.Err
	}
	return localPath, nil
}

// UploadFile copies localPath to the device and returns the remote
// path. remotePath defaults to the root directory; a trailing slash
// means "directory", taking the local base name. A failed transfer
// deletes the partial remote file, fire and forget.
func (c *Client) UploadFile(localPath, remotePath string, overwrite bool, timeout time.Duration) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("client: source %s is not a file", localPath)
	}

	remote := normalizeRemotePath(remotePath, filepath.Base(localPath))

	c.filesMu.Lock()
	_, exists := c.files[remote]
	c.filesMu.Unlock()
	if exists && !overwrite {
		return "", fmt.Errorf("client: remote file %s already exists", remote)
	}
	if exists && overwrite {
		c.deleteRemoteFile(remote)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("client: open %s: %w", localPath, err)
	}

	sess, err := c.xfers.StartUpload(remote, f)
	if err != nil {
		f.Close()
		return "", err
	}
	out := sess.Wait(timeout)
	if out.DeleteRemote {
		c.deleteRemoteFile(remote)
	}
	if !out.Success {
		return "", out.Err
	}

	c.filesMu.Lock()
	c.files[remote] = uint32(info.Size())
	c.filesMu.Unlock()
	return remote, nil
}

// DeleteFile removes a file from the device filesystem.
func (c *Client) DeleteFile(remotePath string) error {
	remotePath = strings.TrimSpace(remotePath)
	if remotePath == "" {
		return errors.New("client: remote path must be provided")
	}
	remote := normalizeRemotePath(remotePath, "")

	c.deleteRemoteFile(remote)
	c.filesMu.Lock()
	delete(c.files, remote)
	c.filesMu.Unlock()
	return nil
}

// deleteRemoteFile is fire and forget: cleanup must not fail the
// operation that triggered it.
func (c *Client) deleteRemoteFile(remote string) {
	if remote == "" {
		return
	}
	if _, err := c.sendAdmin(&wire.AdminMessage{DeleteFileRequest: remote}, false, nil); err != nil {
		c.log.Debug("client: delete remote file",
			zap.String("path", remote), zap.Error(err))
	}
}

// normalizeRemotePath maps a user-supplied destination onto the
// device's rooted posix namespace.
func normalizeRemotePath(dst, baseName string) string {
	dst = strings.TrimSpace(dst)
	if dst == "" || dst == "." {
		dst = "/"
	}
	if strings.HasSuffix(dst, "/") && baseName != "" {
		dst = path.Join(dst, baseName)
	}
	if !strings.HasPrefix(dst, "/") {
		dst = "/" + dst
	}
	return path.Clean(dst)
}
