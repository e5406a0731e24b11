package relayclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// DownloadSnapshot fetches the binary body of a snapshot plus its
// required headers, per §6.1's GET /snapshots/{id} contract.
func (c *Client) DownloadSnapshot(ctx context.Context, id string) (DownloadedSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sync/snapshots/"+id, nil)
	if err != nil {
		return DownloadedSnapshot{}, fmt.Errorf("relay: building download request: %w", err)
	}
	req.Header.Set("x-wf-device-id", c.deviceID)
	token, err := c.tokenSource(ctx)
	if err != nil {
		return DownloadedSnapshot{}, fmt.Errorf("relay: resolving access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DownloadedSnapshot{}, fmt.Errorf("relay: download request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DownloadedSnapshot{}, fmt.Errorf("relay: reading download body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DownloadedSnapshot{}, decodeServerError(resp.StatusCode, body)
	}

	schemaVersion := 0
	fmt.Sscanf(resp.Header.Get("x-snapshot-schema-version"), "%d", &schemaVersion)
	coversCSV := resp.Header.Get("x-snapshot-covers-tables")
	var covers []string
	if coversCSV != "" {
		covers = splitCSV(coversCSV)
	}
	return DownloadedSnapshot{
		SchemaVersion: schemaVersion,
		CoversTables:  covers,
		Checksum:      resp.Header.Get("x-snapshot-checksum"),
		Body:          body,
	}, nil
}

// UploadSnapshot POSTs the ciphertext body described by headers. It does
// not implement retry, cancellation, or in-flight dedup — those are
// the snapshot engine's responsibility, layered on top of this raw transport
// call so they can be tested against a fake relay server.
func (c *Client) UploadSnapshot(ctx context.Context, headers SnapshotUploadHeaders, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/snapshots/upload", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-wf-device-id", c.deviceID)
	req.Header.Set("X-Snapshot-Event-Id", headers.EventID)
	req.Header.Set("X-Snapshot-Schema-Version", fmt.Sprintf("%d", headers.SchemaVersion))
	req.Header.Set("X-Snapshot-Covers-Tables", joinCSV(headers.CoversTables))
	req.Header.Set("X-Snapshot-Size-Bytes", fmt.Sprintf("%d", headers.SizeBytes))
	req.Header.Set("X-Snapshot-Checksum", headers.Checksum)
	req.Header.Set("X-Snapshot-Metadata", headers.MetadataPayload)
	req.Header.Set("X-Snapshot-Key-Version", fmt.Sprintf("%d", headers.PayloadKeyVersion))

	token, err := c.tokenSource(ctx)
	if err != nil {
		return fmt.Errorf("relay: resolving access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("relay: reading upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeServerError(resp.StatusCode, respBody)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
