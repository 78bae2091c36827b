// Package blobexec stores entities as JSON documents in a blob store, one
// object per entity at "<object>/<identity>.json". Reads list the object
// prefix and evaluate queries in memory.
package blobexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"warehousecore/internal/blob"
	"warehousecore/internal/logging"
	"warehousecore/internal/rowset"
	"warehousecore/pkg/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Compile-time contract assertions.
var (
	_ domain.Executor       = (*Executor)(nil)
	_ domain.CommandCounter = (*Executor)(nil)
)

const (
	contentType = "application/json"
	suffix      = ".json"
	// fetchLimit bounds concurrent blob reads while loading an object prefix.
	fetchLimit = 8
)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// Executor implements domain.Executor on a blob.Store. Batches are validated
// against a loaded snapshot before anything is written, so a failing command
// leaves the store untouched. A write error part way through the flush can
// leave earlier documents of the batch in place.
type Executor struct {
	name   string
	store  blob.Store
	logger *zap.Logger
	mu     sync.Mutex
}

// New returns an executor over store.
func New(name string, store blob.Store, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, errors.New("blobexec: store required")
	}
	if name == "" {
		name = string(store.Driver())
	}
	e := &Executor{name: name, store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// IdentityValue implements domain.Executor.
func (e *Executor) IdentityValue() string { return "blob:" + e.name }

// Key returns the blob key holding the entity of object with keys.
func Key(object string, keys domain.Row) string {
	return object + "/" + url.PathEscape(domain.KeyString(keys)) + suffix
}

type document struct {
	key string
	row domain.Row
}

func (e *Executor) load(ctx context.Context, object string) ([]*document, error) {
	infos, err := e.store.List(ctx, object+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", object, err)
	}
	docs := make([]*document, 0, len(infos))
	for _, info := range infos {
		rest := strings.TrimPrefix(info.Key, object+"/")
		if !strings.HasSuffix(rest, suffix) || strings.Contains(rest, "/") {
			continue
		}
		docs = append(docs, &document{key: info.Key})
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	for _, d := range docs {
		g.Go(func() error {
			row, err := e.read(gctx, d.key)
			if err != nil {
				return err
			}
			d.row = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// a document deleted between list and get is skipped
	return slices.DeleteFunc(docs, func(d *document) bool { return d.row == nil }), nil
}

func (e *Executor) read(ctx context.Context, key string) (domain.Row, error) {
	_, rc, err := e.store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	dec := json.NewDecoder(rc)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	row := make(domain.Row, len(raw))
	for k, v := range raw {
		row[k] = normalize(v)
	}
	return row, nil
}

// normalize turns json.Number into int64 when integral and float64 otherwise.
func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func (e *Executor) rows(ctx context.Context, object string) ([]domain.Row, error) {
	docs, err := e.load(ctx, object)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Row, len(docs))
	for i, d := range docs {
		out[i] = d.row
	}
	return out, nil
}

// batch is the working state of one Execute call.
type batch struct {
	e       *Executor
	objects map[string][]*document
	stored  map[string]bool // keys present before the batch
	dirty   []string        // keys in first-change order
	puts    map[string]domain.Row
}

func (b *batch) docs(ctx context.Context, object string) ([]*document, error) {
	if docs, ok := b.objects[object]; ok {
		return docs, nil
	}
	docs, err := b.e.load(ctx, object)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		b.stored[d.key] = true
	}
	b.objects[object] = docs
	return docs, nil
}

func (b *batch) touch(key string, row domain.Row) {
	if _, seen := b.puts[key]; !seen {
		b.dirty = append(b.dirty, key)
	}
	b.puts[key] = row
}

func (b *batch) apply(ctx context.Context, cmd *domain.Command) (int64, error) {
	docs, err := b.docs(ctx, cmd.ObjectName)
	if err != nil {
		return 0, err
	}
	switch cmd.Operation {
	case domain.OperationInsert:
		if len(cmd.Keys) == 0 {
			return 0, fmt.Errorf("%w: insert without keys", domain.ErrUnsupported)
		}
		key := Key(cmd.ObjectName, cmd.Keys)
		for _, d := range docs {
			if d.key == key {
				return 0, fmt.Errorf("%w: %s", domain.ErrDuplicateKey, key)
			}
		}
		row := cmd.Parameters.Clone()
		if row == nil {
			row = domain.Row{}
		}
		for k, v := range cmd.Keys {
			row[k] = v
		}
		b.objects[cmd.ObjectName] = append(docs, &document{key: key, row: row})
		b.touch(key, row)
		return 1, nil
	case domain.OperationUpdate, domain.OperationDelete:
		if cmd.IsObsolete() {
			return 0, nil
		}
		target := rowset.Target(cmd)
		if target.IsComplex() {
			return 0, fmt.Errorf("%w: raw query text", domain.ErrUnsupported)
		}
		var n int64
		kept := docs[:0:0]
		for _, d := range docs {
			if !target.Match(d.row) {
				kept = append(kept, d)
				continue
			}
			n++
			if cmd.Operation == domain.OperationDelete {
				b.touch(d.key, nil)
				continue
			}
			row := d.row.Clone()
			if err := rowset.ApplyUpdate(row, cmd); err != nil {
				return 0, err
			}
			d.row = row
			b.touch(d.key, row)
			kept = append(kept, d)
		}
		b.objects[cmd.ObjectName] = kept
		return n, nil
	default:
		return 0, fmt.Errorf("%w: execute %s", domain.ErrUnsupported, cmd.Operation)
	}
}

func (b *batch) flush(ctx context.Context) error {
	for _, key := range b.dirty {
		row := b.puts[key]
		if row == nil {
			if _, err := b.e.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			continue
		}
		body, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		_, err = b.e.store.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{ContentType: contentType, Overwrite: b.stored[key]})
		if errors.Is(err, blob.ErrExists) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, key)
		}
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	return nil
}

// Execute implements domain.Executor. A MustAffectedData command that changes
// nothing fails the batch with a *domain.AffectedDataError before any write.
func (e *Executor) Execute(ctx context.Context, opts domain.ExecutionOptions, cmds []*domain.Command) (int64, error) {
	counts, err := e.ExecuteCounted(ctx, opts, cmds)
	if err != nil {
		return 0, err
	}
	return domain.SumAffected(counts), nil
}

// ExecuteCounted implements domain.CommandCounter.
func (e *Executor) ExecuteCounted(ctx context.Context, _ domain.ExecutionOptions, cmds []*domain.Command) ([]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := &batch{e: e, objects: make(map[string][]*document), stored: make(map[string]bool), puts: make(map[string]domain.Row)}
	counts := make([]int64, len(cmds))
	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := b.apply(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		if n == 0 && cmd.MustAffectedData {
			return nil, &domain.AffectedDataError{CommandIDs: []int64{cmd.ID}}
		}
		counts[i] = n
	}
	if err := b.flush(ctx); err != nil {
		e.logger.Warn("blob batch flush failed", zap.String("executor", e.name), logging.Error(err))
		return nil, err
	}
	e.logger.Debug("blob batch committed", zap.String("executor", e.name), zap.Int("commands", len(cmds)), zap.Int("documents", len(b.dirty)), zap.Int64("affected", domain.SumAffected(counts)))
	return counts, nil
}

// Query implements domain.Executor.
func (e *Executor) Query(ctx context.Context, cmd *domain.Command) ([]domain.Row, error) {
	if cmd.IsObsolete() {
		return []domain.Row{}, nil
	}
	rows, err := e.rows(ctx, cmd.ObjectName)
	if err != nil {
		return nil, err
	}
	return rowset.Select(rows, cmd.Query)
}

// QueryPaging implements domain.Executor.
func (e *Executor) QueryPaging(ctx context.Context, cmd *domain.Command) (domain.Page, error) {
	if cmd.IsObsolete() {
		return domain.Page{Rows: []domain.Row{}}, nil
	}
	rows, err := e.rows(ctx, cmd.ObjectName)
	if err != nil {
		return domain.Page{}, err
	}
	return rowset.Paged(rows, cmd.Query)
}

// Exists implements domain.Executor. Key lookups head the single document
// instead of listing the prefix.
func (e *Executor) Exists(ctx context.Context, cmd *domain.Command) (bool, error) {
	if cmd.IsObsolete() {
		return false, nil
	}
	if len(cmd.Keys) > 0 && (cmd.Query == nil || len(cmd.Query.Criteria) == 0) {
		_, err := e.store.Head(ctx, Key(cmd.ObjectName, cmd.Keys))
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	rows, err := e.rows(ctx, cmd.ObjectName)
	if err != nil {
		return false, err
	}
	matched, err := rowset.Filter(rows, rowset.Target(cmd))
	if err != nil {
		return false, err
	}
	return len(matched) > 0, nil
}

// Aggregate implements domain.Executor.
func (e *Executor) Aggregate(ctx context.Context, cmd *domain.Command) (domain.AggregateResult, error) {
	if cmd.IsObsolete() {
		if cmd.Operation == domain.OperationCount {
			return domain.CountResult(0), nil
		}
		return domain.AggregateResult{}, nil
	}
	rows, err := e.rows(ctx, cmd.ObjectName)
	if err != nil {
		return domain.AggregateResult{}, err
	}
	return rowset.Aggregate(rows, cmd.Query, cmd.Operation, cmd.AggregateField, cmd.ValueKind)
}
