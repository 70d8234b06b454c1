// Package artifact obtains a frida-server binary that matches the device: it
// reuses a copy already on the device or downloads and decompresses a release.
package artifact

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atropos/atropos/pkg/arch"
	"github.com/atropos/atropos/pkg/device"
	"github.com/atropos/atropos/pkg/fault"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/http2"
)

// Source records where an artifact came from.
type Source string

const (
	SourceDevice   Source = "device"
	SourceDownload Source = "download"
)

// DefaultLocalName is the file the decompressed binary is written to.
const DefaultLocalName = "frida-server"

// Artifact describes a version and architecture specific frida-server binary.
type Artifact struct {
	Version      string
	Architecture arch.Tag
	// LocalPath is empty when the binary already lives on the device.
	LocalPath  string
	RemotePath string
	Source     Source
	Checksum   string
	Size       int64
}

// NeedsPush reports whether the binary must be copied to the device.
func (a Artifact) NeedsPush() bool {
	return a.Source == SourceDownload && a.LocalPath != ""
}

// Cleanup removes the local copy of a downloaded binary.
func (a Artifact) Cleanup() error {
	if a.LocalPath == "" {
		return nil
	}
	if err := os.Remove(a.LocalPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", a.LocalPath)
	}
	return nil
}

// Prober answers whether a path exists on the device.
type Prober interface {
	Exists(ctx context.Context, h device.Handle, path string) (bool, error)
}

// Options configures a Fetcher.
type Options struct {
	ReleaseBaseURL string
	RemotePath     string
	WorkDir        string
	LocalName      string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Fetcher implements the reuse-or-download decision.
type Fetcher struct {
	prober Prober
	opts   Options
	client *http.Client
}

// New builds a Fetcher. A nil HTTPClient gets an HTTP/2 capable default.
func New(prober Prober, opts Options) *Fetcher {
	if strings.TrimSpace(opts.LocalName) == "" {
		opts.LocalName = DefaultLocalName
	}
	if strings.TrimSpace(opts.WorkDir) == "" {
		opts.WorkDir = "."
	}
	opts.ReleaseBaseURL = strings.TrimRight(opts.ReleaseBaseURL, "/")
	client := opts.HTTPClient
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	return &Fetcher{prober: prober, opts: opts, client: client}
}

// NewHTTPClient returns a client whose transport negotiates HTTP/2 over TLS.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("artifact: http2 unavailable, using http/1.1")
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// ArtifactName returns the release asset name without compression suffix.
func ArtifactName(version string, tag arch.Tag) string {
	return fmt.Sprintf("frida-server-%s-%s", version, tag)
}

// URL returns the download location of the compressed release asset.
func (f *Fetcher) URL(version string, tag arch.Tag) string {
	return fmt.Sprintf("%s/%s/%s.xz", f.opts.ReleaseBaseURL, version, ArtifactName(version, tag))
}

// Ensure returns an artifact for version and tag. When the device already has
// a binary at RemotePath nothing is downloaded and no local file is written.
func (f *Fetcher) Ensure(ctx context.Context, h device.Handle, version string, tag arch.Tag) (Artifact, error) {
	art := Artifact{Version: version, Architecture: tag, RemotePath: f.opts.RemotePath}

	present, err := f.prober.Exists(ctx, h, f.opts.RemotePath)
	if err != nil {
		return Artifact{}, fault.Environment("probe on-device frida-server", err)
	}
	if present {
		log.Info().Str("serial", h.Serial).Str("path", f.opts.RemotePath).
			Msg("frida-server already exists on device, skipping download")
		art.Source = SourceDevice
		return art, nil
	}

	localPath, checksum, size, err := f.download(ctx, version, tag)
	if err != nil {
		return Artifact{}, err
	}
	art.Source = SourceDownload
	art.LocalPath = localPath
	art.Checksum = checksum
	art.Size = size
	return art, nil
}

func (f *Fetcher) download(ctx context.Context, version string, tag arch.Tag) (string, string, int64, error) {
	url := f.URL(version, tag)
	name := ArtifactName(version, tag)
	compressedPath := filepath.Join(f.opts.WorkDir, name+".xz")
	localPath := filepath.Join(f.opts.WorkDir, f.opts.LocalName)

	if err := os.MkdirAll(f.opts.WorkDir, 0o755); err != nil {
		return "", "", 0, fault.Artifact("prepare work dir", err)
	}

	log.Info().Str("url", url).Msg("downloading frida-server")
	defer func() {
		if err := os.Remove(compressedPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", compressedPath).Msg("remove compressed artifact failed")
		}
	}()
	if err := f.fetch(ctx, url, compressedPath); err != nil {
		return "", "", 0, err
	}
	log.Info().Str("path", compressedPath).Msg("download successful, decompressing")

	for _, stale := range []string{filepath.Join(f.opts.WorkDir, name), localPath} {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return "", "", 0, fault.Artifact("remove stale binary", err)
		}
	}
	checksum, size, err := decompress(compressedPath, localPath)
	if err != nil {
		_ = os.Remove(localPath)
		return "", "", 0, err
	}
	log.Info().Str("path", localPath).Int64("bytes", size).Str("blake2b", checksum).
		Msg("frida-server decompressed")
	return localPath, checksum, size, nil
}

func (f *Fetcher) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fault.Artifact("build request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fault.Artifact("download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fault.Artifact("download", errors.Errorf("GET %s: unexpected status %s", url, resp.Status))
	}

	out, err := os.Create(dest)
	if err != nil {
		return fault.Artifact("create compressed file", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fault.Artifact("write compressed file", err)
	}
	if err := out.Close(); err != nil {
		return fault.Artifact("close compressed file", err)
	}
	return nil
}

func decompress(src, dest string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fault.Artifact("open compressed file", err)
	}
	defer in.Close()

	reader, err := xz.NewReader(in)
	if err != nil {
		return "", 0, fault.Artifact("decompress", err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", 0, fault.Artifact("create binary", err)
	}
	hasher, err := blake2b.New256(nil)
	if err != nil {
		out.Close()
		return "", 0, fault.Artifact("init checksum", err)
	}
	size, err := io.Copy(io.MultiWriter(out, hasher), reader)
	if err != nil {
		out.Close()
		return "", 0, fault.Artifact("decompress", err)
	}
	if err := out.Close(); err != nil {
		return "", 0, fault.Artifact("close binary", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}
