package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-voiceclone/internal/config"
)

// AcquisitionError reports that a mandatory bundle could not be fetched.
type AcquisitionError struct {
	Repo string
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Repo, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Fetcher mirrors model repositories from a Hugging Face compatible hub into a local directory.
type Fetcher struct {
	cfg    config.AssetsConfig
	client *http.Client
	log    *slog.Logger
}

func NewFetcher(cfg config.AssetsConfig, client *http.Client, log *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		log:    log.With(slog.String("component", "assets")),
	}
}

type modelInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// FetchAll downloads every configured bundle in order. Optional bundles only warn on failure.
func (f *Fetcher) FetchAll(ctx context.Context) error {
	for _, bundle := range f.cfg.Bundles {
		err := f.Fetch(ctx, bundle)
		if err == nil {
			continue
		}
		if bundle.Optional {
			f.log.Warn("optional bundle unavailable",
				slog.String("repo", bundle.Repo),
				slog.String("error", err.Error()),
			)
			continue
		}
		return err
	}
	return nil
}

// Fetch downloads one bundle into <dir>/<target>. Files already present are kept.
func (f *Fetcher) Fetch(ctx context.Context, bundle config.AssetBundle) error {
	target := filepath.Join(f.cfg.Dir, bundle.Target)
	files, err := f.listFiles(ctx, bundle.Repo)
	if err != nil {
		return &AcquisitionError{Repo: bundle.Repo, Err: err}
	}

	log := f.log.With(slog.String("repo", bundle.Repo), slog.String("target", target))
	log.Info("fetching bundle", slog.Int("files", len(files)))

	var fetched, skipped int
	for _, name := range files {
		dest, err := safeJoin(target, name)
		if err != nil {
			return &AcquisitionError{Repo: bundle.Repo, Err: err}
		}
		if info, err := os.Stat(dest); err == nil && !info.IsDir() {
			skipped++
			continue
		}
		if err := f.download(ctx, bundle.Repo, name, dest); err != nil {
			return &AcquisitionError{Repo: bundle.Repo, Err: err}
		}
		fetched++
	}

	log.Info("bundle ready", slog.Int("fetched", fetched), slog.Int("skipped", skipped))
	return nil
}

func (f *Fetcher) listFiles(ctx context.Context, repo string) ([]string, error) {
	endpoint := strings.TrimRight(f.cfg.Endpoint, "/") + "/api/models/" + repo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hub returned status %s", resp.Status)
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode model info: %w", err)
	}
	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		if s.RFilename != "" {
			files = append(files, s.RFilename)
		}
	}
	if len(files) == 0 {
		return nil, errors.New("repository lists no files")
	}
	return files, nil
}

func (f *Fetcher) download(ctx context.Context, repo, name, dest string) error {
	endpoint := strings.TrimRight(f.cfg.Endpoint, "/") + "/" + repo + "/resolve/main/" + escapePath(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	f.authorize(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: status %s", name, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (f *Fetcher) authorize(req *http.Request) {
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}
}

func escapePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// safeJoin rejects repository paths that would land outside root.
func safeJoin(root, name string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path %q", name)
	}
	return dest, nil
}
