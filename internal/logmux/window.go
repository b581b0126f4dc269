package logmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var ErrBadWindow = errors.New("invalid line window")

// Request selects what a log stream delivers.
//
// Last ("n") counts from the end of the file: "k" is the last k lines and
// "a,b" the lines from a-th last up to (excluding) the b-th last.
// Range ("N") indexes from the start: "k" is every line from index k (negative
// counts from the end) and "a,b" the half-open range [a, b).
// With neither set the stream is live only. Follow continues live after a window.
type Request struct {
	Last   string
	Range  string
	Follow bool
}

// HasWindow reports whether a historical window was requested.
func (r Request) HasWindow() bool { return r.Last != "" || r.Range != "" }

// window is a line slice with negative indices counting from the end.
type window struct {
	start  int
	end    int
	hasEnd bool
}

func (r Request) window() (*window, error) {
	switch {
	case r.Last != "":
		a, b, pair, err := parsePair(r.Last)
		if err != nil {
			return nil, err
		}
		if !pair {
			if a == 0 {
				return &window{hasEnd: true}, nil
			}
			return &window{start: -a}, nil
		}
		return &window{start: -a, end: -b, hasEnd: b != 0}, nil
	case r.Range != "":
		a, b, pair, err := parsePair(r.Range)
		if err != nil {
			return nil, err
		}
		return &window{start: a, end: b, hasEnd: pair}, nil
	default:
		return nil, nil
	}
}

func parsePair(s string) (a, b int, pair bool, err error) {
	first, second, pair := strings.Cut(strings.TrimSpace(s), ",")
	if a, err = strconv.Atoi(strings.TrimSpace(first)); err != nil {
		return 0, 0, false, fmt.Errorf("%w %q", ErrBadWindow, s)
	}
	if pair {
		if b, err = strconv.Atoi(strings.TrimSpace(second)); err != nil {
			return 0, 0, false, fmt.Errorf("%w %q", ErrBadWindow, s)
		}
	}
	return a, b, pair, nil
}

func resolve(i, total int) int {
	if i < 0 {
		i += total
		if i < 0 {
			i = 0
		}
	}
	if i > total {
		i = total
	}
	return i
}

// bounds resolves the window against a file of total lines.
func (w window) bounds(total int) (int, int) {
	start := resolve(w.start, total)
	end := total
	if w.hasEnd {
		end = resolve(w.end, total)
	}
	if end < start {
		end = start
	}
	return start, end
}

// writeWindow copies the selected lines of the first size bytes of path to w.
// A trailing line without a newline counts as a line.
func writeWindow(path string, size int64, win window, w io.Writer) error {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	total, err := countLines(io.NewSectionReader(f, 0, size))
	if err != nil {
		return err
	}
	start, end := win.bounds(total)
	if start >= end {
		return nil
	}

	br := bufio.NewReader(io.NewSectionReader(f, 0, size))
	for i := 0; i < end; i++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && i >= start {
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func countLines(r io.Reader) (int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 32*1024)
	n := 0
	last := byte('\n')
	for {
		c, err := br.Read(buf)
		for _, b := range buf[:c] {
			if b == '\n' {
				n++
			}
		}
		if c > 0 {
			last = buf[c-1]
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
	}
	if last != '\n' {
		n++
	}
	return n, nil
}
