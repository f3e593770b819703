package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// byteRange is one parsed Range request, inclusive on both ends.
type byteRange struct {
	Start int64
	End   int64
}

// parseRange resolves a Range header against a total size. Only the first
// range of a multi-range header is honored; media players never send more
// than one.
//
// An empty or malformed header yields partial=false (serve the whole file,
// per RFC 9110). A syntactically valid but unsatisfiable range yields an
// error; the caller decides whether "not satisfiable" really means "not
// satisfiable yet".
func parseRange(header string, size int64) (r byteRange, partial bool, err error) {
	if header == "" {
		return byteRange{Start: 0, End: size - 1}, false, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return byteRange{Start: 0, End: size - 1}, false, nil
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	spec = strings.TrimSpace(spec)

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{Start: 0, End: size - 1}, false, nil
	}

	if startStr == "" {
		// Suffix form: the last N bytes.
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return byteRange{Start: 0, End: size - 1}, false, nil
		}
		if n > size {
			n = size
		}
		return byteRange{Start: size - n, End: size - 1}, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return byteRange{Start: 0, End: size - 1}, false, nil
	}

	end := size - 1
	if endStr != "" {
		end, perr = strconv.ParseInt(endStr, 10, 64)
		if perr != nil {
			return byteRange{Start: 0, End: size - 1}, false, nil
		}
	}

	if end >= size {
		end = size - 1
	}
	if start > end {
		return byteRange{}, false, fmt.Errorf("range %q not satisfiable against size %d", header, size)
	}
	return byteRange{Start: start, End: end}, true, nil
}

// contentRange formats the Content-Range response header value.
func contentRange(r byteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}
