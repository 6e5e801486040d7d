package orchestrator

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/bridgemux/bridgemux/pkg/errors"
)

// configParams are the values substituted into a bridge config template.
// Field names are the template variable names.
type configParams struct {
	HomeserverAddress  string
	HomeserverName     string
	AppserviceAddress  string
	AppserviceHostname string
	AppservicePort     int
	AppserviceID       string
	AppserviceBotUser  string
	AppserviceASToken  string
	AppserviceHSToken  string
}

// renderConfig renders a bridge config template from the template dir.
// Templates use [[ ]] delimiters so the mautrix {{ }} placeholders in
// the upstream config stay literal. An unknown variable in the template
// is a provisioning error, not silently empty output.
func renderConfig(templateDir, filename string, params configParams) ([]byte, error) {
	name := filepath.Base(filename)
	tmpl, err := template.New(name).
		Delims("[[", "]]").
		Option("missingkey=error").
		ParseFiles(filepath.Join(templateDir, filename))
	if err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err,
			"parse bridge config template %s", filename)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return nil, errors.Wrapf(errors.KindInternal, err,
			"render bridge config template %s", filename)
	}
	return buf.Bytes(), nil
}

// configArchive wraps a rendered config in a tar stream for upload into
// the container's config directory.
func configArchive(config []byte) (*bytes.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "config.yaml",
		Mode:    0o644,
		Size:    int64(len(config)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "write config archive header")
	}
	if _, err := tw.Write(config); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "write config archive")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "close config archive")
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// readConfigArchive extracts config.yaml from a tar stream. Used by
// tests to verify what would be uploaded.
func readConfigArchive(r *bytes.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, err, "read config archive")
		}
		if strings.TrimPrefix(hdr.Name, "./") == "config.yaml" {
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(tr); err != nil {
				return nil, errors.Wrap(errors.KindInternal, err, "read config entry")
			}
			return buf.Bytes(), nil
		}
	}
}
