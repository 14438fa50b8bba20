package runtime

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// legacyEncodings is the ordered fallback chain tried after UTF-8. The
// runtime CLI inherits the console code page on some hosts, so Cyrillic
// output can arrive as CP866 or Windows-1251 bytes.
var legacyEncodings = []*charmap.Charmap{
	charmap.CodePage866,
	charmap.Windows1251,
}

// decodeOutput converts raw process output to text, trying UTF-8 first and
// then each legacy encoding exactly. When nothing decodes cleanly it falls
// back to a lossy UTF-8 decode that drops invalid bytes.
func decodeOutput(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}

	for _, enc := range legacyEncodings {
		decoded, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		// A replacement rune means the encoding didn't cover every byte.
		if strings.ContainsRune(string(decoded), utf8.RuneError) {
			continue
		}
		return string(decoded)
	}

	return strings.ToValidUTF8(string(raw), "")
}
