package transfer

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// FillTemplate copies an OpenDocument package, replacing each ##key##
// placeholder in content.xml with the XML-escaped value and, when photo is
// given, the bytes of every embedded .jpg. Entries keep their order and
// compression method so "mimetype" stays first and stored.
func FillTemplate(tmpl []byte, values map[string]string, photo []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(tmpl), int64(len(tmpl)))
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}

	pairs := make([]string, 0, 2*len(values))
	for k, v := range values {
		var esc strings.Builder
		if err := xml.EscapeText(&esc, []byte(v)); err != nil {
			return nil, err
		}
		pairs = append(pairs, "##"+k+"##", esc.String())
	}
	replacer := strings.NewReplacer(pairs...)

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for _, f := range zr.File {
		content, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		switch {
		case f.Name == "content.xml":
			content = []byte(replacer.Replace(string(content)))
		case photo != nil && strings.HasSuffix(strings.ToLower(f.Name), ".jpg"):
			content = photo
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: f.Method, Modified: f.Modified})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("template entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
