package loader

import "context"

// DryRun reads the real table layout but never writes
type DryRun struct {
	Inserter Inserter
}

func (d DryRun) TableColumns(ctx context.Context, table string) ([]Column, error) {
	return d.Inserter.TableColumns(ctx, table)
}

func (d DryRun) InsertBatch(_ context.Context, _ Target, _ [][]any) (int64, error) {
	return 0, nil
}
