// SPDX-License-Identifier: MIT

package fetch

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/ManuGH/soundgrab/internal/queue"
)

// ErrEscapesRoot is returned when a resolved destination would land outside
// the library root.
var ErrEscapesRoot = errors.New("fetch: destination escapes the library root")

// extByContentType maps common audio content types to file extensions, used
// when neither the template nor the source names one.
var extByContentType = map[string]string{
	"audio/mpeg":   ".mp3",
	"audio/mp4":    ".m4a",
	"audio/aac":    ".aac",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
	"audio/ogg":    ".ogg",
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
	"audio/opus":   ".opus",
}

// resolvedMeta carries what the destination resolution learned about the
// artifact, used to fill the record draft.
type resolvedMeta struct {
	Title  string
	Artist string
	Album  string
}

// sourceFilename derives a filename from the response, preferring the
// Content-Disposition header over the request URL path.
func sourceFilename(src *url.URL, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}
	if name := path.Base(src.Path); name != "" && name != "/" && name != "." {
		return name
	}
	return ""
}

// sanitizeComponent strips characters that are path separators or otherwise
// hostile to common filesystems from a single path component.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// resolveDestination expands the destination template against the response
// and the metadata hint, and confines the result below root. The template may
// use {title}, {artist}, {album} and {ext}; an empty template falls back to
// the source-derived filename.
func resolveDestination(root string, payload queue.Payload, src *url.URL, resp *http.Response) (string, resolvedMeta, error) {
	filename := sourceFilename(src, resp)
	ext := path.Ext(filename)

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext == "" {
			ext = extByContentType[mediaType]
		}
	}
	if ext == "" {
		ext = ".bin"
	}

	meta := resolvedMeta{
		Title:  payload.Hint.Title,
		Artist: payload.Hint.Artist,
		Album:  payload.Hint.Album,
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSuffix(filename, ext)
	}
	if meta.Title == "" {
		meta.Title = "untitled"
	}

	rel := payload.Destination
	if rel == "" {
		rel = filename
	}
	if rel == "" {
		rel = "{title}{ext}"
	}

	replacer := strings.NewReplacer(
		"{title}", sanitizeComponent(meta.Title),
		"{artist}", sanitizeComponent(meta.Artist),
		"{album}", sanitizeComponent(meta.Album),
		"{ext}", ext,
	)
	rel = replacer.Replace(rel)

	dest, err := confineRelPath(root, rel)
	if err != nil {
		return "", resolvedMeta{}, err
	}
	return dest, meta, nil
}

// confineRelPath joins rel below root and guarantees the cleaned result is
// still inside it.
func confineRelPath(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	target := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	inside, err := filepath.Rel(rootAbs, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", ErrEscapesRoot
	}
	return target, nil
}
