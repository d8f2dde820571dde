package util

import (
	"os"
	"path/filepath"
	"strings"
)

// PasteURL builds the public URL for a paste.
func PasteURL(domain, id string, https bool) string {
	var b strings.Builder
	if https {
		b.WriteString("https://")
	} else {
		b.WriteString("http://")
	}
	b.WriteString(domain)
	if !strings.HasSuffix(domain, "/") {
		b.WriteByte('/')
	}
	b.WriteString(id)
	return b.String()
}

// ExpandTilde replaces a leading ~ with the current user's home directory.
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
