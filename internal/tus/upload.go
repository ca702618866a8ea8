package tus

import "context"

// Upload transfers file as a new upload and returns its location. It is the
// one-shot form of NewSession + Start: onProgress may be nil, and a canceled
// ctx yields an error matching ErrCanceled.
func Upload(ctx context.Context, client *Client, file File, onProgress ProgressFunc) (string, error) {
	s := NewSession(client, file, Callbacks{OnProgress: onProgress})
	s.Start(ctx)

	return s.Result()
}
