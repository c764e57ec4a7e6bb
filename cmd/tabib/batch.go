package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/tabib"
	"github.com/chriskillpack/tabib/internal/imaging"
	"github.com/chriskillpack/tabib/locale"
)

const maxBatchErrors = 5

var errTooManyErrors = errors.New("too many errors")

type batchOptions struct {
	Root        string
	Language    locale.Language
	Modality    imaging.Modality
	Question    string
	Concurrency int
	Count       int // -1 for all

	Out      io.Writer // results
	Progress io.Writer // progress bar
}

type batchItem struct {
	path string
	res  *tabib.Result
	err  error
	done bool
}

// findImageFiles returns every file under root with a supported image
// extension, in lexical order.
func findImageFiles(root string) ([]string, error) {
	var images []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imaging.SupportedExtension(path) {
			images = append(images, path)
		}
		return nil
	})

	return images, err
}

// runBatch analyzes every image under opts.Root and prints the composed text
// of each. No new images are started once drain is done. It gives up after
// maxBatchErrors failures.
func runBatch(ctx, drain context.Context, a *tabib.Analyzer, opts batchOptions) error {
	paths, err := findImageFiles(opts.Root)
	if err != nil {
		return err
	}
	if opts.Count > -1 {
		paths = paths[:min(len(paths), opts.Count)]
	}
	d := a.Describer()
	fmt.Fprintf(opts.Out, "%d images to analyze\nUsing describer %s model %s\n", len(paths), d.Name(), d.Model())

	bar := progressbar.NewOptions(
		len(paths),
		progressbar.OptionSetWriter(opts.Progress),
		progressbar.OptionSetDescription("Analyzing images"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(opts.Progress) }),
	)

	items := make([]batchItem, len(paths))
	var errcnt atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Concurrency))
	for i, path := range paths {
		if drain.Err() != nil || gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			item := &items[i]
			item.path = path
			item.res, item.err = analyzeFile(gctx, a, path, opts)
			item.done = true
			bar.Add(1)

			if item.err != nil && errcnt.Add(1) >= maxBatchErrors {
				return errTooManyErrors
			}
			return nil
		})
	}
	err = g.Wait()

	var analyzed, failed int
	for _, item := range items {
		if !item.done {
			continue
		}
		fmt.Fprintf(opts.Out, "\n==> %s\n", item.path)
		if item.err != nil {
			failed++
			fmt.Fprintf(opts.Out, "error: %s\n", item.err)
			continue
		}
		analyzed++
		fmt.Fprintf(opts.Out, "%s\n", item.res.Text)
	}
	fmt.Fprintf(opts.Out, "\nAnalyzed %d/%d images, %d failed\n", analyzed, len(paths), failed)

	return err
}

func analyzeFile(ctx context.Context, a *tabib.Analyzer, path string, opts batchOptions) (*tabib.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return a.Analyze(ctx, &tabib.Submission{
		Image:    data,
		FileName: path,
		Modality: opts.Modality,
		Language: opts.Language,
		Question: opts.Question,
	})
}
