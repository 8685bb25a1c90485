package multipart_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"localphotos/internal/multipart"
)

func buildBody(boundary, field, filename string, content []byte, newline string) []byte {
	var b bytes.Buffer
	b.WriteString("--" + boundary + newline)
	b.WriteString(`Content-Disposition: form-data; name="` + field + `"; filename="` + filename + `"` + newline)
	b.WriteString("Content-Type: application/octet-stream" + newline)
	b.WriteString(newline)
	b.Write(content)
	b.WriteString(newline + "--" + boundary + "--" + newline)
	return b.Bytes()
}

func TestBoundary(t *testing.T) {
	for _, tc := range []struct {
		header string
		want   string
		ok     bool
	}{
		{"multipart/form-data; boundary=abc123", "abc123", true},
		{`multipart/form-data; boundary="quoted value"`, "quoted value", true},
		{"multipart/form-data; boundary=abc; charset=utf-8", "abc", true},
		{"multipart/form-data; Boundary=MiXeD", "MiXeD", true},
		{"multipart/form-data; boundary=abc def", "abc", true},
		{"multipart/form-data", "", false},
		{"multipart/form-data; boundary=", "", false},
		{"", "", false},
	} {
		got, ok := multipart.Boundary(tc.header)
		require.Equal(t, tc.ok, ok, tc.header)
		require.Equal(t, tc.want, got, tc.header)
	}
}

func TestExtractFileCRLF(t *testing.T) {
	body := buildBody("XyZ", "file", "cat.png", []byte("PNGDATA"), "\r\n")

	part, ok := multipart.ExtractFile("multipart/form-data; boundary=XyZ", body)
	require.True(t, ok)
	require.Equal(t, "file", part.FieldName)
	require.Equal(t, "cat.png", part.FileName)
	require.Equal(t, []byte("PNGDATA"), part.Data)
}

func TestExtractFileLF(t *testing.T) {
	body := buildBody("XyZ", "photo", "dog.jpg", []byte("JPEGDATA"), "\n")

	part, ok := multipart.ExtractFile("multipart/form-data; boundary=XyZ", body)
	require.True(t, ok)
	require.Equal(t, "photo", part.FieldName)
	require.Equal(t, "dog.jpg", part.FileName)
	require.Equal(t, []byte("JPEGDATA"), part.Data)
}

func TestExtractFileUnquotedParams(t *testing.T) {
	body := []byte("--b\r\nContent-Disposition: form-data; name=upload ; filename= my.gif \r\n\r\nGIF89a\r\n--b--\r\n")

	part, ok := multipart.ExtractFile("multipart/form-data; boundary=b", body)
	require.True(t, ok)
	require.Equal(t, "upload", part.FieldName)
	require.Equal(t, "my.gif", part.FileName)
	require.Equal(t, []byte("GIF89a"), part.Data)
}

func TestExtractFileSkipsFieldParts(t *testing.T) {
	body := []byte("--b\r\n" +
		"Content-Disposition: form-data; name=\"scope\"\r\n\r\n" +
		"shared\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"a.png\"\r\n\r\n" +
		"first\r\n" +
		"--b\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"b.png\"\r\n\r\n" +
		"second\r\n" +
		"--b--\r\n")

	part, ok := multipart.ExtractFile("multipart/form-data; boundary=b", body)
	require.True(t, ok)
	require.Equal(t, "a.png", part.FileName)
	require.Equal(t, []byte("first"), part.Data)
}

func TestExtractFileNotFound(t *testing.T) {
	ct := "multipart/form-data; boundary=b"
	for name, body := range map[string]string{
		"empty":            "",
		"no delimiter":     "just some bytes",
		"no blank line":    "--b\r\nContent-Disposition: form-data; name=\"f\"; filename=\"x\"",
		"no closing":       "--b\r\nContent-Disposition: form-data; name=\"f\"; filename=\"x\"\r\n\r\ndata without end",
		"only fields":      "--b\r\nContent-Disposition: form-data; name=\"f\"\r\n\r\nvalue\r\n--b--\r\n",
		"closing at start": "--b--\r\n",
	} {
		_, ok := multipart.ExtractFile(ct, []byte(body))
		require.False(t, ok, name)
	}

	_, ok := multipart.ExtractFile("application/json", buildBody("b", "f", "x", []byte("x"), "\r\n"))
	require.False(t, ok)
}

func TestExtractFileBoundaryLookalikes(t *testing.T) {
	const boundary = "----WebKitFormBoundary7MA4YWxkTrZu0gW"
	rng := rand.New(rand.NewSource(1))

	lookalikes := [][]byte{
		[]byte("--" + boundary[:len(boundary)-1]),
		[]byte(boundary),
		[]byte("-" + boundary),
		[]byte("\r\n--" + boundary[:10]),
		[]byte("\r\n\r\n"),
		[]byte("\n\n"),
	}

	for i := 0; i < 200; i++ {
		content := make([]byte, rng.Intn(4096))
		rng.Read(content)
		for _, l := range lookalikes {
			at := rng.Intn(len(content) + 1)
			content = append(content[:at], append(append([]byte{}, l...), content[at:]...)...)
		}
		if bytes.Contains(content, []byte("--"+boundary)) {
			continue
		}

		body := buildBody(boundary, "file", "photo_01.jpg", content, "\r\n")
		part, ok := multipart.ExtractFile("multipart/form-data; boundary="+boundary, body)
		require.True(t, ok)
		require.Equal(t, "photo_01.jpg", part.FileName)
		require.Equal(t, content, part.Data)
	}
}

func FuzzExtractFile(f *testing.F) {
	f.Add([]byte("hello"))
	f.Add([]byte("--boundar\r\n--b\n"))
	f.Add([]byte{0, 0xff, '\r', '\n', '-', '-'})

	const boundary = "fuzzBoundary42"
	f.Fuzz(func(t *testing.T, content []byte) {
		if bytes.Contains(content, []byte("--"+boundary)) {
			t.Skip()
		}
		body := buildBody(boundary, "file", "f.bin", content, "\r\n")
		part, ok := multipart.ExtractFile("multipart/form-data; boundary="+boundary, body)
		if !ok {
			t.Fatal("file part not found")
		}
		if !bytes.Equal(part.Data, content) {
			t.Fatalf("data mismatch: got %q want %q", part.Data, content)
		}
	})
}

func FuzzExtractFileArbitraryBody(f *testing.F) {
	f.Add("multipart/form-data; boundary=b", []byte("--b\r\n\r\n\r\n--b"))
	f.Fuzz(func(t *testing.T, contentType string, body []byte) {
		part, ok := multipart.ExtractFile(contentType, body)
		if !ok && (part.FileName != "" || part.Data != nil) {
			t.Fatal("non-empty part reported as not found")
		}
	})
}
