package content

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"log/slog"
)

// rootDir is the directory all artifact files are placed under so the add
// response contains a single root entry whose hash addresses the whole site.
const rootDir = "build"

// Store uploads build artifacts to an IPFS node over its HTTP API.
type Store struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewStore returns a content store for the node at base (e.g. an Infura or
// self-hosted IPFS API endpoint).
func NewStore(base string, logger *slog.Logger) *Store {
	return &Store{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger,
	}
}

type addResult struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put unzips a build artifact, adds every file under a shared root directory,
// and pins the root. It returns the root content id.
func (s *Store) Put(ctx context.Context, artifact []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		return "", fmt.Errorf("open artifact zip: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	files := 0
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || entry.Name == "" {
			continue
		}
		if err := addZipEntry(writer, entry); err != nil {
			return "", err
		}
		files++
	}
	if files == 0 {
		return "", errors.New("artifact zip contains no files")
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize upload body: %w", err)
	}

	results, err := s.add(ctx, &body, writer.FormDataContentType())
	if err != nil {
		return "", err
	}
	root := ""
	for _, res := range results {
		if res.Name == rootDir {
			root = res.Hash
		}
	}
	if root == "" {
		return "", fmt.Errorf("add response missing root entry for %d files", files)
	}
	if err := s.pin(ctx, root); err != nil {
		return "", err
	}
	s.logger.Info("artifact uploaded", "content_id", root, "files", files)
	return root, nil
}

func addZipEntry(writer *multipart.Writer, entry *zip.File) error {
	header := make(textproto.MIMEHeader)
	name := rootDir + "/" + strings.TrimPrefix(entry.Name, "/")
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, url.PathEscape(name)))
	header.Set("Content-Type", "application/octet-stream")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create upload part for %s: %w", entry.Name, err)
	}
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer src.Close()
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy zip entry %s: %w", entry.Name, err)
	}
	return nil
}

func (s *Store) add(ctx context.Context, body io.Reader, contentType string) ([]addResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/api/v0/add?pin=false", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs add request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipfs add returned %s", resp.Status)
	}

	// The add endpoint streams one JSON object per added path.
	var results []addResult
	decoder := json.NewDecoder(resp.Body)
	for {
		var res addResult
		if err := decoder.Decode(&res); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode ipfs add response: %w", err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) pin(ctx context.Context, contentID string) error {
	endpoint := s.base + "/api/v0/pin/add?arg=" + url.QueryEscape(contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ipfs pin request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ipfs pin returned %s", resp.Status)
	}
	return nil
}
