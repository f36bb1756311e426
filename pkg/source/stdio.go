package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

type stdioSource struct {
	lines chan []byte
	errCh chan error
	line  int

	once sync.Once
	done chan struct{}
}

// newStdioSource reads one JSON checkpoint per line. Blank lines are skipped.
func newStdioSource(cfg Config) Source {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}

	s := &stdioSource{
		lines: make(chan []byte, 64),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.lines)

		sc := bufio.NewScanner(reader)
		sc.Buffer(make([]byte, 1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case s.lines <- line:
			case <-s.done:
				return
			}
		}
		if err := sc.Err(); err != nil {
			s.errCh <- err
		}
	}()
	return s
}

func (s *stdioSource) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.done:
			return Delivery{}, errClosed
		case line, ok := <-s.lines:
			if !ok {
				select {
				case err := <-s.errCh:
					return Delivery{}, err
				default:
					return Delivery{}, io.EOF
				}
			}
			s.line++
			if len(line) == 0 {
				continue
			}
			cp, err := Decode(line)
			if err != nil {
				return Delivery{}, fmt.Errorf("line %d: %w", s.line, err)
			}
			return Delivery{Checkpoint: cp}, nil
		}
	}
}

func (s *stdioSource) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}
