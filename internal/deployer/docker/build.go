package docker

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// createBuildContext streams a tar of the build context directory.
func createBuildContext(contextPath string) (io.Reader, error) {
	absPath, err := filepath.Abs(contextPath)
	if err != nil {
		return nil, fmt.Errorf("resolve build context: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("build context %q: %w", absPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build context %q is not a directory", absPath)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archiveDirectory(absPath, pw))
	}()
	return pr, nil
}

func archiveDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// parseBuildOutput drains the JSON progress stream and returns the built image id.
func parseBuildOutput(r io.Reader) (string, error) {
	decoder := json.NewDecoder(r)
	var imageID string
	for {
		var msg struct {
			Stream string `json:"stream"`
			Aux    struct {
				ID string `json:"ID"`
			} `json:"aux"`
			Error string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("parse build output: %w", err)
		}
		if msg.Error != "" {
			return "", fmt.Errorf("build error: %s", msg.Error)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
	}
	return imageID, nil
}
