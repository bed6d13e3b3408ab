package media

import (
	"fmt"
	"strings"

	"github.com/parleo/parleo/internal/database/models"
)

// allowedMimes maps accepted MIME types to their media type and canonical
// file extension. Anything not listed is rejected at initiation.
var allowedMimes = map[string]struct {
	mediaType string
	ext       string
}{
	"image/jpeg": {models.MediaTypeImage, ".jpg"},
	"image/png":  {models.MediaTypeImage, ".png"},
	"image/gif":  {models.MediaTypeImage, ".gif"},
	"image/webp": {models.MediaTypeImage, ".webp"},

	"video/mp4":       {models.MediaTypeVideo, ".mp4"},
	"video/quicktime": {models.MediaTypeVideo, ".mov"},
	"video/webm":      {models.MediaTypeVideo, ".webm"},

	"audio/mpeg":  {models.MediaTypeAudio, ".mp3"},
	"audio/mp4":   {models.MediaTypeAudio, ".m4a"},
	"audio/aac":   {models.MediaTypeAudio, ".aac"},
	"audio/ogg":   {models.MediaTypeAudio, ".ogg"},
	"audio/wav":   {models.MediaTypeAudio, ".wav"},
	"audio/x-wav": {models.MediaTypeAudio, ".wav"},

	"application/pdf": {models.MediaTypeDocument, ".pdf"},
	"application/zip": {models.MediaTypeDocument, ".zip"},
	"text/plain":      {models.MediaTypeDocument, ".txt"},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {models.MediaTypeDocument, ".docx"},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       {models.MediaTypeDocument, ".xlsx"},
}

// ClassifyMime returns the media type and canonical extension for a MIME
// type, or an error for unsupported content.
func ClassifyMime(mimeType string) (mediaType, ext string, err error) {
	m, ok := allowedMimes[normalizeMime(mimeType)]
	if !ok {
		return "", "", fmt.Errorf("media: unsupported content type %q", mimeType)
	}
	return m.mediaType, m.ext, nil
}

func normalizeMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// magic holds file signature prefixes for the types we sniff-verify after
// upload. Containers that bury their signature (mp4, webm) are matched at
// their known offsets.
var magic = []struct {
	mime   string
	offset int
	sig    []byte
}{
	{"image/jpeg", 0, []byte{0xFF, 0xD8, 0xFF}},
	{"image/png", 0, []byte{0x89, 'P', 'N', 'G'}},
	{"image/gif", 0, []byte("GIF8")},
	{"image/webp", 8, []byte("WEBP")},
	{"video/mp4", 4, []byte("ftyp")},
	{"video/quicktime", 4, []byte("ftyp")},
	{"video/webm", 0, []byte{0x1A, 0x45, 0xDF, 0xA3}},
	{"application/pdf", 0, []byte("%PDF")},
}

// VerifyMagic checks the uploaded bytes against the declared MIME type for
// formats with a recognizable signature. Types without a registered
// signature (audio, office documents) pass.
func VerifyMagic(head []byte, declaredMime string) error {
	declared := normalizeMime(declaredMime)
	registered := false
	for _, m := range magic {
		if m.mime != declared {
			continue
		}
		registered = true
		if len(head) >= m.offset+len(m.sig) &&
			string(head[m.offset:m.offset+len(m.sig)]) == string(m.sig) {
			return nil
		}
	}
	if !registered {
		return nil
	}
	return fmt.Errorf("media: content does not match declared type %q", declaredMime)
}
