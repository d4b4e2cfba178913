package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Client fetches the current full listing from the external registry and
// normalizes it into ServerRecord entries keyed by name. Retry policy belongs
// to the caller; a failed fetch is reported once and never retried here.
type Client struct {
	url        string
	userAgent  string
	httpClient *http.Client
}

func NewClient(url, userAgent string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		url:        url,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// listingResponse is the wire format of the registry listing endpoint.
type listingResponse struct {
	Servers []serverEntry `json:"servers"`
}

type serverEntry struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Repository  struct {
		URL string `json:"url"`
	} `json:"repository"`
	Metadata map[string]any `json:"metadata"`
}

// Fetch retrieves the registry listing and returns the normalized entries and
// their content hash. Network failures, timeouts, and 5xx responses yield a
// *TransientFetchError; unparsable payloads yield a *MalformedResponseError.
func (c *Client) Fetch(ctx context.Context) (map[string]ServerRecord, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &TransientFetchError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, "", &TransientFetchError{Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", &MalformedResponseError{Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &TransientFetchError{Cause: err}
	}

	var listing listingResponse
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, "", &MalformedResponseError{Cause: err}
	}

	entries := make(map[string]ServerRecord, len(listing.Servers))
	for _, s := range listing.Servers {
		if s.Name == "" {
			continue
		}
		entries[s.Name] = ServerRecord{
			Name:          s.Name,
			Version:       s.Version,
			Description:   s.Description,
			RepositoryURL: s.Repository.URL,
			Metadata:      s.Metadata,
		}
	}

	hash, err := ComputeHash(entries)
	if err != nil {
		return nil, "", &MalformedResponseError{Cause: err}
	}

	return entries, hash, nil
}

// ComputeHash returns a deterministic content hash over the entries. Records
// are serialized in ascending name order so that identical content always
// yields an identical hash regardless of listing order.
func ComputeHash(entries map[string]ServerRecord) (string, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		record, err := json.Marshal(entries[name])
		if err != nil {
			return "", fmt.Errorf("failed to serialize record %s: %w", name, err)
		}
		h.Write(record)
		h.Write([]byte{'\n'})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
