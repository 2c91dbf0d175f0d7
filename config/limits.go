package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Bounds on the documents the loader and the manager accept. Routing
// documents are small; anything near these is a mistake or an attack.
const (
	maxDocumentSize = 1 << 20
	maxNesting      = 64
	maxEnvValueLen  = 10000
	maxPathLen      = 4096
)

// checkPath accepts JSON and YAML files given as absolute paths or as
// relative paths that stay inside the working directory.
func checkPath(path string) error {
	switch {
	case path == "":
		return errors.New("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("config path longer than %d bytes", maxPathLen)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("%s: config files must be JSON or YAML", path)
	}

	if filepath.IsAbs(path) {
		return nil
	}
	if !filepath.IsLocal(path) {
		return fmt.Errorf("%s: relative config path leaves the working directory", path)
	}
	return nil
}

// readDocument reads a regular file of at most maxDocumentSize bytes.
func readDocument(path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%s: larger than %d bytes", path, maxDocumentSize)
	}
	return data, nil
}

// writeDocument replaces path with data, readable by the owner only. The
// data goes to a temporary file first so readers never see a partial file.
func writeDocument(path string, data []byte) error {
	if err := checkPath(path); err != nil {
		return err
	}
	if len(data) > maxDocumentSize {
		return fmt.Errorf("%s: document larger than %d bytes", path, maxDocumentSize)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func checkEnvValue(name, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("%s: longer than %d bytes", name, maxEnvValueLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s: contains a NUL byte", name)
	}
	return nil
}

// checkNesting walks the JSON tokens of data and rejects documents nested
// deeper than maxNesting or with unbalanced brackets, before any value is
// built from them.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			if depth++; depth > maxNesting {
				return fmt.Errorf("JSON nested deeper than %d", maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: %d unclosed brackets", depth)
	}
	return nil
}
