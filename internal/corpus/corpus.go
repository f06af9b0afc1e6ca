// Package corpus loads source documents from a directory tree. Markdown
// and plain-text files become documents with stable content-hash IDs;
// anything unreadable is skipped with a warning, never fatal.
package corpus

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Document is one loadable source file.
type Document struct {
	ID        string   `json:"id"`
	RelPath   string   `json:"rel_path"`
	Title     string   `json:"title,omitempty"`
	SourceURL string   `json:"source_url,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Text      string   `json:"text"`
}

// frontMatter is the recognized subset of a document's YAML header.
type frontMatter struct {
	Title     string   `yaml:"title"`
	SourceURL string   `yaml:"source_url"`
	URL       string   `yaml:"url"`
	Tags      []string `yaml:"tags"`
}

var loadableExts = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".text":     true,
}

// Load walks root and returns every loadable document, ordered by relative
// path. Hidden directories are skipped.
func Load(root string) ([]Document, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("corpus root: %w", err)
	}
	if !info.IsDir() {
		doc, err := loadFile(filepath.Dir(root), root)
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	}

	var docs []Document
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !loadableExts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		doc, err := loadFile(root, path)
		if err != nil {
			slog.Warn("skipping malformed document", "path", path, "error", err)
			return nil
		}
		if doc.Text == "" {
			slog.Debug("skipping empty document", "path", path)
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func loadFile(root, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	text := string(data)
	var fm frontMatter
	text, fm = stripFrontMatter(text)
	text = strings.TrimSpace(text)

	doc := Document{
		ID:        ContentID(text),
		RelPath:   filepath.ToSlash(rel),
		Title:     fm.Title,
		SourceURL: fm.SourceURL,
		Tags:      fm.Tags,
		Text:      text,
	}
	if doc.SourceURL == "" {
		doc.SourceURL = fm.URL
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	}
	return doc, nil
}

// ContentID derives a stable document ID from the body text alone, so a
// renamed but unchanged file keeps its identity.
func ContentID(text string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(text)))
	return fmt.Sprintf("%x", sum[:16])
}

// stripFrontMatter removes a leading YAML header delimited by --- lines and
// parses the fields it understands. A malformed header is left in place.
func stripFrontMatter(text string) (string, frontMatter) {
	var fm frontMatter
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return text, fm
	}
	rest := text[strings.Index(text, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return text, fm
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i != -1 {
		body = body[i+1:]
	} else {
		body = ""
	}
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return text, frontMatter{}
	}
	return body, fm
}
