// Package intake reads answer batches and extraction results from files.
package intake

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/markymo/compass-sub003/internal/extraction"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/propagation"
)

// LoadAnswersJSON reads a JSON array of answered questions.
func LoadAnswersJSON(ctx context.Context, path string) ([]model.AnsweredQuestion, error) {
	return loadJSONArray[model.AnsweredQuestion](ctx, path)
}

// LoadExtractionJSON reads a JSON array of extraction items.
func LoadExtractionJSON(ctx context.Context, path string) ([]extraction.Item, error) {
	return loadJSONArray[extraction.Item](ctx, path)
}

// LoadBatchesJSON reads a JSON array of per-entity question batches.
func LoadBatchesJSON(ctx context.Context, path string) ([]propagation.EntityBatch, error) {
	return loadJSONArray[propagation.EntityBatch](ctx, path)
}

func loadJSONArray[T any](ctx context.Context, path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	itemCh, errCh := decodeJSONArray[T](ctx, f)
	var out []T
	for item := range itemCh {
		out = append(out, item)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "intake: read %s", path)
	}
	return out, nil
}

// decodeJSONArray decodes a JSON array element by element, sending each to
// the returned channel. Both channels are closed when decoding completes.
func decodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return
			}
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}

		if _, err := decoder.Token(); err != nil {
			errCh <- eris.Wrap(err, "json: read closing token")
		}
	}()

	return outCh, errCh
}
