package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// IPFSConfig configures the Kubo RPC client.
type IPFSConfig struct {
	Endpoint string
	// Optional basic auth, as required by hosted pinning gateways.
	Username string
	Password string
	Timeout  time.Duration
}

// IPFS adds content through the Kubo HTTP RPC API (/api/v0/add).
type IPFS struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// NewIPFS constructs a client for the configured node.
func NewIPFS(cfg IPFSConfig) (*IPFS, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("blobstore: ipfs endpoint required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IPFS{
		endpoint: endpoint,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put uploads data and pins it. Identical bytes yield the same CID.
func (s *IPFS) Put(ctx context.Context, data []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "batch.json")
	if err != nil {
		return "", fmt.Errorf("blobstore: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("blobstore: build form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("blobstore: build form: %w", err)
	}

	url := s.endpoint + "/api/v0/add?cid-version=1&raw-leaves=true&pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("blobstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.username != "" || s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("blobstore: ipfs add: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("blobstore: read ipfs response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blobstore: ipfs add status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	// The add endpoint streams one JSON object per added entry; the last one
	// describes the root.
	var last addResponse
	dec := json.NewDecoder(bytes.NewReader(payload))
	for dec.More() {
		var entry addResponse
		if err := dec.Decode(&entry); err != nil {
			return "", fmt.Errorf("blobstore: decode ipfs response: %w", err)
		}
		last = entry
	}
	if last.Hash == "" {
		return "", fmt.Errorf("blobstore: ipfs response missing hash")
	}
	if err := ValidateAddress(last.Hash); err != nil {
		return "", err
	}
	return last.Hash, nil
}
