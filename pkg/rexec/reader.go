package rexec

import (
	"bufio"
	"io"

	"golang.org/x/sync/errgroup"
)

// stream tags which pipe a line came from.
type stream int

const (
	streamStdout stream = iota
	streamStderr
	streamErr // a read failure, text holds the error
)

// outLine is one line of command output on its way to the callbacks.
type outLine struct {
	src  stream
	text string
}

// maxLineBytes bounds a single output line; longer lines abort the scan.
const maxLineBytes = 1024 * 1024

// streamLines fans both pipes into one channel and closes it once both
// scanners finished. Per-stream order is preserved; cross-stream order is
// arrival order.
func streamLines(stdout, stderr io.Reader) <-chan outLine {
	lines := make(chan outLine, 64)
	var g errgroup.Group
	g.Go(func() error {
		scanInto(stdout, streamStdout, lines)
		return nil
	})
	g.Go(func() error {
		scanInto(stderr, streamStderr, lines)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(lines)
	}()
	return lines
}

func scanInto(r io.Reader, src stream, out chan<- outLine) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		out <- outLine{src: src, text: sc.Text()}
	}
	if err := sc.Err(); err != nil {
		out <- outLine{src: streamErr, text: err.Error()}
	}
}
