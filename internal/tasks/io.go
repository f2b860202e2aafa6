package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"evalorch.io/internal/storage"
)

func readAll(ctx context.Context, store storage.Store, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	r, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func marshalSummary(summary EvaluationSummary) ([]byte, error) {
	return json.Marshal(summary)
}

func bytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
