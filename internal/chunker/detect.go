package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrBinaryInput marks input the code chunker refuses to process.
// Ingestion treats it as a permanent failure for the document.
var ErrBinaryInput = errors.New("binary input")

// languageByExtension maps filename extensions to language names.
var languageByExtension = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".rs":    "rust",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".xml":   "xml",
	".lua":   "lua",
	".pl":    "perl",
	".r":     "r",
}

// binaryExtensions is the blacklist of compiled artifacts, archives and
// media the chunker rejects outright.
var binaryExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {}, ".o": {},
	".obj": {}, ".bin": {}, ".class": {}, ".jar": {}, ".war": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".xz": {}, ".7z": {},
	".rar": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".bmp": {}, ".ico": {}, ".pdf": {}, ".wasm": {}, ".pyc": {},
}

// magicHeaders are well-known binary file signatures.
var magicHeaders = [][]byte{
	{0x7F, 'E', 'L', 'F'},       // ELF
	{'M', 'Z'},                  // PE/COFF
	{'P', 'K', 0x03, 0x04},      // ZIP family
	{0x89, 'P', 'N', 'G'},       // PNG
	{'G', 'I', 'F', '8'},        // GIF
	{0xFF, 0xD8, 0xFF},          // JPEG
	{'%', 'P', 'D', 'F'},        // PDF
	{0xCA, 0xFE, 0xBA, 0xBE},    // Mach-O fat / Java class
	{0x1F, 0x8B},                // gzip
	{0x00, 'a', 's', 'm'},       // WASM
	{'B', 'Z', 'h'},             // bzip2
	{0xFD, '7', 'z', 'X', 'Z'},  // xz
	{'7', 'z', 0xBC, 0xAF},      // 7z
	{'R', 'a', 'r', '!'},        // RAR
}

// DetectLanguage resolves a language from the filename extension.
// Blacklisted binary extensions are a rejection, not an unknown.
func DetectLanguage(fileName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if _, bad := binaryExtensions[ext]; bad {
		return "", fmt.Errorf("extension %q: %w", ext, ErrBinaryInput)
	}
	if lang, ok := languageByExtension[ext]; ok {
		return lang, nil
	}
	return "text", nil
}

const binarySniffLen = 8192

// checkBinary rejects content with a known binary signature or a NUL
// frequency above 10% in the first 8 KB.
func checkBinary(data []byte) error {
	for _, magic := range magicHeaders {
		if bytes.HasPrefix(data, magic) {
			return fmt.Errorf("binary signature detected: %w", ErrBinaryInput)
		}
	}

	sniff := data
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if len(sniff) == 0 {
		return nil
	}
	nuls := bytes.Count(sniff, []byte{0})
	if nuls*10 > len(sniff) {
		return fmt.Errorf("NUL frequency %d/%d: %w", nuls, len(sniff), ErrBinaryInput)
	}
	return nil
}

// normalizeEncoding decodes content to a string: BOM first, then UTF-8
// validation, then a Latin-1 fallback where every byte maps to the
// code point of the same value.
func normalizeEncoding(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:])
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return decodeUTF16(data[2:], false)
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return decodeUTF16(data[2:], true)
	}
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func decodeUTF16(data []byte, bigEndian bool) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if bigEndian {
			units = append(units, uint16(data[i])<<8|uint16(data[i+1]))
		} else {
			units = append(units, uint16(data[i+1])<<8|uint16(data[i]))
		}
	}
	return string(utf16.Decode(units))
}
