package embedder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Artifact is one file a model needs on disk.
type Artifact struct {
	// Name is the file name inside the model directory.
	Name string

	// URL is where the file is fetched from when missing.
	URL string
}

// ArtifactCache keeps model files under <Dir>/<Model>@<Version>/. A
// directory holding every artifact is complete; nothing else is checked.
type ArtifactCache struct {
	Dir     string
	Model   string
	Version string
	Files   []Artifact

	// Client downloads missing files. Default: a client with a 10 minute timeout.
	Client *http.Client
}

// Path returns the model directory.
func (c *ArtifactCache) Path() string {
	return filepath.Join(c.Dir, c.Model+"@"+c.Version)
}

// FilePath returns the on-disk location of the named artifact.
func (c *ArtifactCache) FilePath(name string) string {
	return filepath.Join(c.Path(), name)
}

// Missing lists artifacts not yet present.
func (c *ArtifactCache) Missing() []Artifact {
	var missing []Artifact
	for _, a := range c.Files {
		if info, err := os.Stat(c.FilePath(a.Name)); err != nil || info.IsDir() {
			missing = append(missing, a)
		}
	}
	return missing
}

// Complete reports whether every artifact is present.
func (c *ArtifactCache) Complete() bool {
	return len(c.Missing()) == 0
}

// Ensure downloads any missing artifact. Each file is written to a temp file
// in the model directory and renamed into place, so a partial download is
// never mistaken for a complete one.
func (c *ArtifactCache) Ensure(ctx context.Context) error {
	missing := c.Missing()
	if len(missing) == 0 {
		return nil
	}

	dir := c.Path()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	for _, a := range missing {
		if a.URL == "" {
			return fmt.Errorf("artifact %s missing and no download url configured", a.Name)
		}
		log.Info().
			Str("component", "embedder").
			Str("model", c.Model).
			Str("artifact", a.Name).
			Msg("downloading model artifact")
		if err := c.download(ctx, client, a); err != nil {
			return fmt.Errorf("download %s: %w", a.Name, err)
		}
	}
	return nil
}

func (c *ArtifactCache) download(ctx context.Context, client *http.Client, a Artifact) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	dest := c.FilePath(a.Name)
	tmp, err := os.CreateTemp(filepath.Dir(dest), a.Name+".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
