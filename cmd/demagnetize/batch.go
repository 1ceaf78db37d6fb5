package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jwodder/demagnetize/internal/logger"
	"github.com/jwodder/demagnetize/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// readBatchFile returns the magnet links in a batch file: one per line,
// blank lines and #-comments skipped.
func readBatchFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var links []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		links = append(links, line)
	}
	return links, scanner.Err()
}

// batchWriter serializes torrent writes across the batch workers and rejects
// output paths that more than one magnet resolves to.
type batchWriter struct {
	mu      sync.Mutex
	written map[string]struct{}
}

func newBatchWriter() *batchWriter {
	return &batchWriter{written: make(map[string]struct{})}
}

func (w *batchWriter) write(res *session.Result, template string) error {
	b, err := res.Torrent()
	if err != nil {
		return err
	}
	path := res.OutputName(template)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.written[path]; ok {
		return fmt.Errorf("output path %s already used by another magnet", path)
	}
	w.written[path] = struct{}{}
	if err = os.WriteFile(path, b, 0o666); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Saved to", path)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	// Stdout is a single stream; concurrent fetches cannot share it.
	if outFile == "-" {
		return errors.New("batch cannot write to stdout; use an --outfile template")
	}
	links, err := readBatchFile(args[0])
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return fmt.Errorf("no magnet links in %s", args[0])
	}
	log := logger.New("batch")
	writer := newBatchWriter()

	var failures int64
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(batchJobs())
	for _, link := range links {
		link := link
		g.Go(func() error {
			res, err := ses.Fetch(ctx, link)
			if err == nil {
				err = writer.write(res, outFile)
			}
			if err != nil {
				// One bad magnet must not stop the rest of the batch.
				atomic.AddInt64(&failures, 1)
				log.Errorln(err)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	if n := atomic.LoadInt64(&failures); n > 0 {
		return fmt.Errorf("%d of %d magnet links failed", n, len(links))
	}
	log.Infof("fetched %d magnet links", len(links))
	return nil
}

func batchJobs() int {
	if cfg == nil || cfg.BatchJobs < 1 {
		return 1
	}
	return cfg.BatchJobs
}
