// Package multipart extracts an uploaded file from a raw multipart/form-data body.
//
// Only the first part that carries a filename is returned; bodies with several
// files yield the first one and ignore the rest.
package multipart

import (
	"bytes"
	"strings"
)

// Part is a file part found in a multipart body.
type Part struct {
	FieldName string
	FileName  string
	Data      []byte // aliases the scanned body
}

// Boundary returns the boundary parameter of a Content-Type header value.
func Boundary(contentType string) (string, bool) {
	const key = "boundary="
	at := -1
	for i := 0; i+len(key) <= len(contentType); i++ {
		if strings.EqualFold(contentType[i:i+len(key)], key) {
			at = i + len(key)
			break
		}
	}
	if at < 0 {
		return "", false
	}

	rest := contentType[at:]
	if strings.HasPrefix(rest, `"`) {
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return "", false
		}
		rest = rest[1 : end+1]
	} else if end := strings.IndexAny(rest, "; \t\r\n"); end >= 0 {
		rest = rest[:end]
	}
	return rest, rest != ""
}

// ExtractFile scans body for the first file part delimited by the boundary
// named in contentType. It reports false when there is no boundary, when a
// header block has no blank-line terminator, or when no delimiter follows
// the data.
func ExtractFile(contentType string, body []byte) (Part, bool) {
	boundary, ok := Boundary(contentType)
	if !ok {
		return Part{}, false
	}
	s := &scanner{body: body, marker: []byte("--" + boundary)}
	return s.firstFile()
}

type state int

const (
	stateDelimiter state = iota
	stateHeaders
	stateData
)

// scanner walks the body once; pos only moves forward.
type scanner struct {
	body   []byte
	marker []byte
	pos    int
}

func (s *scanner) firstFile() (Part, bool) {
	var (
		st     = stateDelimiter
		part   Part
		isFile bool
	)
	for {
		switch st {
		case stateDelimiter:
			at := s.next(s.marker)
			if at < 0 {
				return Part{}, false
			}
			s.pos = at + len(s.marker)
			if bytes.HasPrefix(s.body[s.pos:], []byte("--")) {
				return Part{}, false // closing delimiter
			}
			s.pos += lineEnd(s.body, s.pos)
			st = stateHeaders

		case stateHeaders:
			end, dataStart := s.blankLine()
			if end < 0 {
				return Part{}, false
			}
			part, isFile = parseHeaders(s.body[s.pos:end])
			s.pos = dataStart
			st = stateData

		case stateData:
			at := s.next(s.marker)
			if at < 0 {
				return Part{}, false
			}
			if isFile {
				part.Data = trimLineEnd(s.body[s.pos:at])
				return part, true
			}
			s.pos = at
			st = stateDelimiter
		}
	}
}

func (s *scanner) next(needle []byte) int {
	at := bytes.Index(s.body[s.pos:], needle)
	if at < 0 {
		return -1
	}
	return s.pos + at
}

// blankLine finds the end of the header block starting at pos. It returns the
// offset where the headers end and the offset where the data begins, accepting
// CRLF CRLF as well as LF LF.
func (s *scanner) blankLine() (end, dataStart int) {
	if n := lineEnd(s.body, s.pos); n > 0 {
		return s.pos, s.pos + n // no headers at all
	}
	for i := s.pos; ; {
		at := bytes.IndexByte(s.body[i:], '\n')
		if at < 0 {
			return -1, -1
		}
		nl := i + at
		if n := lineEnd(s.body, nl+1); n > 0 {
			return nl, nl + 1 + n
		}
		i = nl + 1
	}
}

// lineEnd returns the length of the line terminator at b[i:], or 0.
func lineEnd(b []byte, i int) int {
	switch {
	case i+1 < len(b) && b[i] == '\r' && b[i+1] == '\n':
		return 2
	case i < len(b) && b[i] == '\n':
		return 1
	}
	return 0
}

func trimLineEnd(data []byte) []byte {
	switch {
	case bytes.HasSuffix(data, []byte("\r\n")):
		return data[:len(data)-2]
	case bytes.HasSuffix(data, []byte("\n")), bytes.HasSuffix(data, []byte("\r")):
		return data[:len(data)-1]
	}
	return data
}

func parseHeaders(block []byte) (part Part, isFile bool) {
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon < 0 || !strings.EqualFold(strings.TrimSpace(line[:colon]), "content-disposition") {
			continue
		}
		for key, value := range dispositionParams(line[colon+1:]) {
			switch key {
			case "name":
				part.FieldName = value
			case "filename":
				part.FileName = value
				isFile = true
			}
		}
	}
	return part, isFile
}

// dispositionParams parses `form-data; name="a"; filename=b.png` into its
// key/value parameters. Quoted values run to the next quote, bare values to
// the next semicolon.
func dispositionParams(s string) map[string]string {
	params := map[string]string{}
	for s != "" {
		semi := strings.IndexByte(s, ';')
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		if semi >= 0 && semi < eq {
			s = s[semi+1:] // token without a value, e.g. form-data
			continue
		}

		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		rest := strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value, rest = rest[1:], ""
			} else {
				value, rest = rest[1:end+1], rest[end+2:]
			}
			if semi := strings.IndexByte(rest, ';'); semi >= 0 {
				rest = rest[semi+1:]
			} else {
				rest = ""
			}
		} else if semi := strings.IndexByte(rest, ';'); semi >= 0 {
			value, rest = strings.TrimSpace(rest[:semi]), rest[semi+1:]
		} else {
			value, rest = strings.TrimSpace(rest), ""
		}

		if _, seen := params[key]; !seen {
			params[key] = value
		}
		s = rest
	}
	return params
}
