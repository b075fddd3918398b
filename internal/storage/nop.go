package storage

import "context"

// NopProvider is the storage backend used when no remote is configured.
// Uploads succeed without storing anything and the remote always looks
// empty, so the engine runs its normal path and receipts stay local-only.
type NopProvider struct{}

func (NopProvider) UploadFile(context.Context, string, string, []byte) error { return nil }

func (NopProvider) DownloadFile(context.Context, string, string) ([]byte, error) { return nil, nil }

func (NopProvider) ListFiles(context.Context, string) ([]string, error) { return []string{}, nil }

func (NopProvider) CreateFolder(context.Context, string) error { return nil }
