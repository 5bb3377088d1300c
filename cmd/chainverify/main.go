// Package main is chainverify, the offline checker for exported audit
// archives. It needs only the downloaded artifact (and optionally its
// manifest.json); no database or network access.
//
//	chainverify [--manifest manifest.json] [--link <hash>] events-YYYY-MM-DD.ndjson.gz
//
// Exit codes: 0 every check passed, 1 the chain or artifact does not match,
// 2 the files could not be read or the arguments were invalid.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ctrlai/ledger/internal/archive"
	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/verifier"
)

const (
	exitOK      = 0
	exitBroken  = 1
	exitIOError = 2
)

// errBroken marks a failed check, as opposed to an unreadable input.
var errBroken = errors.New("verification failed")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the checker and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	var manifestPath, link string

	cmd := &cobra.Command{
		Use:   "chainverify [--manifest manifest.json] [--link hash] <artifact>",
		Short: "Verify an exported audit archive offline",
		Long: `Recompute every event hash in an exported archive artifact and check the
chain linkage inside it.

With --manifest, the artifact's SHA-256, event count and chain end are also
checked against manifest.json, and the first event must link to the
manifest's chain-link. --link overrides the expected chain-link. Without
either, linkage is checked from the first event's own previous_hash.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *archive.Manifest
			if manifestPath != "" {
				loaded, err := readManifest(manifestPath)
				if err != nil {
					return err
				}
				m = &loaded
			}
			expected := link
			if !cmd.Flags().Changed("link") && m != nil {
				expected = m.ChainLink
			}
			return check(cmd.OutOrStdout(), args[0], m, expected, cmd.Flags().Changed("link") || m != nil)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the artifact's manifest.json")
	cmd.Flags().StringVar(&link, "link", "", "Expected previous_hash of the first event")
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errBroken):
		fmt.Fprintf(stderr, "chainverify: %v\n", err)
		return exitBroken
	default:
		fmt.Fprintf(stderr, "chainverify: %v\n", err)
		return exitIOError
	}
}

func readManifest(path string) (archive.Manifest, error) {
	var m archive.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.HashFormatVersion != 0 && m.HashFormatVersion != audit.HashFormatVersion {
		return m, fmt.Errorf("manifest uses hash format %d, this checker supports %d", m.HashFormatVersion, audit.HashFormatVersion)
	}
	return m, nil
}

// check verifies the artifact at path. When useLink is false the first
// event's own previous_hash is taken as the chain link.
func check(out io.Writer, path string, m *archive.Manifest, link string, useLink bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading artifact: %w", err)
	}

	if m != nil && m.SHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != m.SHA256 {
			return fmt.Errorf("%w: artifact sha256 %s does not match manifest %s", errBroken, got, m.SHA256)
		}
		fmt.Fprintln(out, "artifact sha256 matches manifest")
	}

	events, err := archive.ReadArtifact(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if !useLink && len(events) > 0 {
		link = events[0].PreviousHash
		fmt.Fprintln(out, "no chain-link given; checking linkage from the first event")
	}

	res := verifier.Check(events, link)
	switch res.Status {
	case audit.VerificationBroken:
		fmt.Fprintf(out, "BROKEN at position %d (event %s): %s\n", res.Position, res.BrokenEventID, res.Reason)
		fmt.Fprintf(out, "  expected: %s\n", res.ExpectedHash)
		fmt.Fprintf(out, "  actual:   %s\n", res.ActualHash)
		return fmt.Errorf("%w: chain broken at event %s", errBroken, res.BrokenEventID)
	case audit.VerificationEmpty:
		fmt.Fprintln(out, "artifact contains no events")
	default:
		fmt.Fprintf(out, "VALID: %d events verified\n", res.EventsVerified)
	}

	if m != nil {
		if m.EventCount != len(events) {
			return fmt.Errorf("%w: artifact has %d events, manifest says %d", errBroken, len(events), m.EventCount)
		}
		if len(events) > 0 && events[len(events)-1].CurrentHash != m.ChainEnd {
			return fmt.Errorf("%w: last event hash does not match manifest chain_end", errBroken)
		}
	}
	return nil
}
