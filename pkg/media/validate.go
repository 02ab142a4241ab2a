package media

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

var allowedMimes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"video/mp4":       ".mp4",
	"audio/amr":       ".amr",
}

func allowedMime(mime string) bool {
	_, ok := allowedMimes[normalizeMime(mime)]
	return ok
}

// extFor returns the canonical file extension for an allowed mime type.
func extFor(mime string) string {
	return allowedMimes[normalizeMime(mime)]
}

func normalizeMime(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

var executableSuffixes = []string{
	".exe", ".bat", ".cmd", ".sh", ".ps1", ".js", ".vbs", ".jar", ".msi", ".scr", ".php",
}

// checkFileName rejects traversal sequences, separators, double extensions,
// and executable suffixes.
func checkFileName(name string) error {
	lower := strings.ToLower(name)
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return contracts.Ef(contracts.KindSuspicious, "file name %q contains path separators", name)
	}
	for _, suffix := range executableSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return contracts.Ef(contracts.KindSuspicious, "file name %q has executable suffix", name)
		}
	}
	if strings.Count(lower, ".") > 1 {
		return contracts.Ef(contracts.KindSuspicious, "file name %q has multiple extensions", name)
	}
	return nil
}

// magicNumbers maps mime types to accepted leading byte signatures.
var magicNumbers = map[string][][]byte{
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/png":       {{0x89, 0x50, 0x4E, 0x47}},
	"image/gif":       {[]byte("GIF87a"), []byte("GIF89a")},
	"image/webp":      {[]byte("RIFF")},
	"application/pdf": {[]byte("%PDF")},
	"audio/ogg":       {[]byte("OggS")},
	"audio/mpeg":      {{0xFF, 0xFB}, {0xFF, 0xF3}, {0xFF, 0xF2}, []byte("ID3")},
	"audio/amr":       {[]byte("#!AMR")},
}

// checkMagicNumber verifies the leading bytes match the declared mime type.
// mp4 is skipped: its ftyp box offset varies.
func checkMagicNumber(mime string, data []byte) error {
	mime = normalizeMime(mime)
	signatures, ok := magicNumbers[mime]
	if !ok {
		return nil
	}
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig) {
			return nil
		}
	}
	return contracts.Ef(contracts.KindBadRequest, "content does not match declared type %s", mime)
}

var (
	pdfScriptPattern = regexp.MustCompile(`(?i)/(JavaScript|JS)\b`)
	imgScriptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
	}
)

// scanEmbeddedScripts rejects PDFs with JavaScript actions and images with
// embedded script content.
func scanEmbeddedScripts(mime string, data []byte) error {
	mime = normalizeMime(mime)
	switch {
	case mime == "application/pdf":
		if pdfScriptPattern.Match(data) {
			return contracts.E(contracts.KindSuspicious, "pdf contains embedded JavaScript")
		}
	case strings.HasPrefix(mime, "image/"):
		for _, p := range imgScriptPatterns {
			if p.Match(data) {
				return contracts.E(contracts.KindSuspicious, "image contains embedded script content")
			}
		}
	}
	return nil
}
