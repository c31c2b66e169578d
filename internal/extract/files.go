package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	LinksFile    = "links.txt"
	DomainsFile  = "domains.txt"
	IPsFile      = "ips.txt"
	CombinedFile = "all_results.txt"
)

var sectionRule = strings.Repeat("-", 20)

// WriteFiles writes one file per set plus the combined report into dir.
func WriteFiles(dir string, r Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	files := []struct {
		name  string
		lines []string
	}{
		{LinksFile, r.Links},
		{DomainsFile, r.Domains},
		{IPsFile, r.IPs},
	}
	for _, f := range files {
		if err := writeLines(filepath.Join(dir, f.name), f.lines); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, CombinedFile), []byte(Combined(r)), 0o644)
}

// Combined renders the report with the LINKS, DOMAINS and IP ADDRESSES sections.
func Combined(r Result) string {
	var b strings.Builder
	section := func(title string, lines []string) {
		b.WriteString(title + ":\n")
		b.WriteString(sectionRule + "\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}
	section("LINKS", r.Links)
	b.WriteString("\n")
	section("DOMAINS", r.Domains)
	b.WriteString("\n")
	section("IP ADDRESSES", r.IPs)
	return b.String()
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
