package archive

import (
	"fmt"
	"strings"

	"github.com/ctrlai/ledger/internal/audit"
)

// verifyDoc renders the VERIFY.md uploaded next to every artifact. It is
// written for someone holding only the downloaded files.
func verifyDoc(m Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verifying audit archive %s\n\n", m.ExportDate)
	fmt.Fprintf(&b, "Artifact: `%s` (%d events, sha256 `%s`)\n\n", m.ArtifactKey, m.EventCount, m.SHA256)

	b.WriteString("## Format\n\n")
	b.WriteString("The artifact is gzip-compressed newline-delimited JSON. Each line is one\n")
	b.WriteString("event record in canonical chain order (timestamp, then sequence).\n\n")

	b.WriteString("## Hash algorithm (format version ")
	fmt.Fprintf(&b, "%d)\n\n", audit.HashFormatVersion)
	b.WriteString("For each event, concatenate the following fields in this order, each\n")
	b.WriteString("written as `<byte length>:<value>;` where the length is the UTF-8 byte\n")
	b.WriteString("length of the value:\n\n")
	for i, f := range audit.HashFields {
		fmt.Fprintf(&b, "%d. `%s`\n", i+1, f)
	}
	fmt.Fprintf(&b, "\n`timestamp` is written in UTC as `%s`.\n", audit.TimestampLayout)
	fmt.Fprintf(&b, "The event hash is `%s` followed by the lowercase hex SHA-256 of that string.\n\n", audit.HashPrefix)

	b.WriteString("## Checks\n\n")
	b.WriteString("1. The first event's `previous_hash` equals the `chain-link` value below.\n")
	b.WriteString("2. Every later event's `previous_hash` equals the `current_hash` of the line before it.\n")
	b.WriteString("3. Every event's recomputed hash equals its `current_hash`.\n\n")
	fmt.Fprintf(&b, "- chain-link: `%s`\n", m.ChainLink)
	fmt.Fprintf(&b, "- chain-start: `%s`\n", m.ChainStart)
	fmt.Fprintf(&b, "- chain-end: `%s`\n\n", m.ChainEnd)
	b.WriteString("chain-link is the last hash of the previous day's archive (empty for the\n")
	b.WriteString("first day of the chain), so consecutive archives can be checked against\n")
	b.WriteString("each other by comparing chain-end of one day with chain-link of the next.\n\n")

	b.WriteString("## Running the checker\n\n")
	b.WriteString("```\n")
	fmt.Fprintf(&b, "chainverify --manifest manifest.json %s\n", baseName(m.ArtifactKey))
	b.WriteString("```\n\n")
	b.WriteString("Exit codes: `0` every check passed, `1` the chain is broken (the first\n")
	b.WriteString("failing event and position are printed), `2` the files could not be read.\n")
	return b.String()
}

func baseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
