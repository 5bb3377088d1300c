package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/verifier"
)

// Object metadata headers carried by every artifact.
const (
	HeaderExportDate = "export-date"
	HeaderEventCount = "event-count"
	HeaderChainStart = "chain-start"
	HeaderChainEnd   = "chain-end"
	HeaderChainLink  = "chain-link"
	HeaderSHA256     = "artifact-sha256"
)

// Manifest is the companion metadata document uploaded next to an artifact.
type Manifest struct {
	FormatVersion     int      `json:"format_version"`
	HashFormatVersion int      `json:"hash_format_version"`
	HashFields        []string `json:"hash_fields"`
	ExportDate        string   `json:"export_date"`
	WindowStart       string   `json:"window_start"`
	WindowEnd         string   `json:"window_end"`
	ArtifactKey       string   `json:"artifact_key"`
	EventCount        int      `json:"event_count"`
	UncompressedBytes int64    `json:"uncompressed_bytes"`
	SizeBytes         int64    `json:"size_bytes"`
	SHA256            string   `json:"sha256"`
	ChainStart        string   `json:"chain_start"`
	ChainEnd          string   `json:"chain_end"`
	ChainLink         string   `json:"chain_link"`
	RetentionUntil    string   `json:"retention_until"`
	Verifier          string   `json:"verifier"`
}

// artifactFormatVersion versions the NDJSON record layout.
const artifactFormatVersion = 1

// artifact is an encoded day window.
type artifact struct {
	body         []byte
	uncompressed int64
	sha256       string
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// encodeArtifact writes events as gzip-compressed NDJSON, one full event
// record per line.
func encodeArtifact(events []audit.Event) (artifact, error) {
	var sink bytes.Buffer
	digest := sha256.New()
	zw := gzip.NewWriter(io.MultiWriter(&sink, digest))
	counter := &countingWriter{w: zw}

	enc := json.NewEncoder(counter)
	enc.SetEscapeHTML(false)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return artifact{}, fmt.Errorf("encoding event %s: %w", events[i].EventID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return artifact{}, fmt.Errorf("compressing artifact: %w", err)
	}
	return artifact{
		body:         sink.Bytes(),
		uncompressed: counter.n,
		sha256:       hex.EncodeToString(digest.Sum(nil)),
	}, nil
}

// ReadArtifact decodes a gzip-compressed NDJSON artifact.
func ReadArtifact(r io.Reader) ([]audit.Event, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer zr.Close()

	var events []audit.Event
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("artifact line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return events, nil
}

// CheckArtifact recomputes every hash in an artifact and checks linkage
// within it, starting from expectedLink (the chain-link header). It needs
// nothing but the artifact.
func CheckArtifact(r io.Reader, expectedLink string) (verifier.Result, error) {
	events, err := ReadArtifact(r)
	if err != nil {
		return verifier.Result{}, err
	}
	return verifier.Check(events, expectedLink), nil
}
