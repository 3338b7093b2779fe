package fp

import (
    "crypto/sha256"
    "encoding/hex"
    "net/url"
    "path/filepath"
    "strings"

    "github.com/tinoosan/fetchd/internal/data"
)

// NormalizeSource validates s as an absolute http(s) URL and returns the
// canonical form used as the dedup key. Scheme and host are lowercased and
// the fragment is dropped; path and query are kept verbatim.
func NormalizeSource(s string) (string, error) {
    s = strings.TrimSpace(s)
    if s == "" {
        return "", data.ErrInvalidSource
    }
    u, err := url.Parse(s)
    if err != nil {
        return "", data.ErrInvalidSource
    }
    u.Scheme = strings.ToLower(u.Scheme)
    if u.Scheme != "http" && u.Scheme != "https" {
        return "", data.ErrInvalidSource
    }
    if u.Host == "" {
        return "", data.ErrInvalidSource
    }
    u.Host = strings.ToLower(u.Host)
    u.Fragment = ""
    u.RawFragment = ""
    return u.String(), nil
}

// NormalizeTargetPath trims whitespace and cleans the path using filepath.Clean.
// Note: On Unix (case-sensitive), we do not lowercase paths.
func NormalizeTargetPath(p string) string {
    p = strings.TrimSpace(p)
    if p == "" {
        return p
    }
    return filepath.Clean(p)
}

// Fingerprint computes a stable hex-encoded SHA-256 over the source and
// target path. Inputs are expected to be normalized already.
func Fingerprint(source, targetPath string) string {
    h := sha256.New()
    h.Write([]byte(source))
    h.Write([]byte{0})
    h.Write([]byte(targetPath))
    return hex.EncodeToString(h.Sum(nil))
}
