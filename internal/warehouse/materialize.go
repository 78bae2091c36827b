package warehouse

import (
	"context"
	"fmt"
	"slices"
	"time"

	"warehousecore/internal/staging"
	"warehousecore/internal/uow"
	"warehousecore/pkg/domain"
	"warehousecore/pkg/numeric"
)

// materializer turns records of one entity type into commands from the
// staged state at commit time.
type materializer[T any] struct {
	w  *Warehouse[T]
	st *staging.Storage[T]
}

func (m *materializer[T]) Command(_ context.Context, a uow.Activation) (*domain.Command, error) {
	switch a.Operation {
	case uow.RecordSave:
		p, ok := m.st.Package(a.IdentityValue)
		if !ok || p.Operation() != staging.OperationSave {
			return nil, nil
		}
		switch {
		case p.Replaced():
			return m.replace(p)
		case p.Source() == staging.SourceNew:
			return m.insert(p)
		}
		return m.update(p)
	case uow.RecordRemoveObject:
		p, ok := m.st.Package(a.IdentityValue)
		if !ok || p.Operation() != staging.OperationRemove {
			return nil, nil
		}
		return &domain.Command{
			Operation:  domain.OperationDelete,
			ObjectName: a.ObjectName,
			Keys:       m.w.meta.KeyRow(p.Latest()),
		}, nil
	case uow.RecordRemoveCondition:
		return &domain.Command{
			Operation:  domain.OperationDelete,
			ObjectName: a.ObjectName,
			Query:      a.Query.Clone(),
		}, nil
	case uow.RecordModifyExpression:
		mod := a.Modification.Clone()
		if f := m.w.meta.UpdatedField(); f != "" && !slices.Contains(mod.Fields(), f) {
			mod.Set(f, m.w.now().UTC())
		}
		return &domain.Command{
			Operation:    domain.OperationUpdate,
			ObjectName:   a.ObjectName,
			Fields:       mod.Fields(),
			Modification: mod,
			Query:        a.Query.Clone(),
		}, nil
	default:
		return nil, fmt.Errorf("warehouse: cannot materialize %s record", a.Operation)
	}
}

func (m *materializer[T]) insert(p *staging.Package[T]) (*domain.Command, error) {
	meta := m.w.meta
	v := p.Latest()
	now := m.w.now().UTC()
	for _, f := range []string{meta.CreatedField(), meta.UpdatedField()} {
		if f == "" {
			continue
		}
		if cur, _ := meta.Get(v, f); isZeroTime(cur) {
			if err := meta.Set(&v, f, now); err != nil {
				return nil, err
			}
		}
	}
	if f := meta.VersionField(); f != "" {
		cur, _ := meta.Get(v, f)
		if version := versionOf(cur); version == 0 {
			if err := meta.Set(&v, f, int64(1)); err != nil {
				return nil, err
			}
		}
	}
	return &domain.Command{
		Operation:  domain.OperationInsert,
		ObjectName: meta.Name(),
		Keys:       meta.KeyRow(v),
		Fields:     meta.Fields(),
		Parameters: meta.ToRow(v),
	}, nil
}

// replace overwrites the stored row of a force-removed entity that was saved
// again with every non-key field, stamped the way an insert is.
func (m *materializer[T]) replace(p *staging.Package[T]) (*domain.Command, error) {
	cmd, err := m.insert(p)
	if err != nil {
		return nil, err
	}
	keys := m.w.meta.PrimaryKeys()
	cmd.Operation = domain.OperationUpdate
	cmd.Fields = slices.DeleteFunc(cmd.Fields, func(f string) bool { return slices.Contains(keys, f) })
	cmd.Parameters = cmd.Parameters.Project(cmd.Fields)
	cmd.MustAffectedData = true
	return cmd, nil
}

// update writes the dirty fields. With a version field the previous version
// becomes a condition, so a concurrent writer makes the command affect no
// rows and the commit fail.
func (m *materializer[T]) update(p *staging.Package[T]) (*domain.Command, error) {
	if !p.HasChanges() {
		return nil, nil
	}
	meta := m.w.meta
	v := p.Latest()
	keys := meta.PrimaryKeys()
	var fields []string
	for _, f := range p.Diff() {
		if !slices.Contains(keys, f) {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	cmd := &domain.Command{
		Operation:  domain.OperationUpdate,
		ObjectName: meta.Name(),
		Keys:       meta.KeyRow(v),
	}
	if f := meta.UpdatedField(); f != "" {
		if err := meta.Set(&v, f, m.w.now().UTC()); err != nil {
			return nil, err
		}
		fields = appendOnce(fields, f)
	}
	if f := meta.VersionField(); f != "" && p.Loaded(f) {
		orig, _ := p.Original()
		prev, _ := meta.Get(orig, f)
		version := versionOf(prev)
		if err := meta.Set(&v, f, version+1); err != nil {
			return nil, err
		}
		fields = appendOnce(fields, f)
		cmd.Query = domain.NewQuery().Where(f, domain.OpEqual, version)
		cmd.MustAffectedData = true
	}
	cmd.Fields = fields
	cmd.Parameters = meta.ToRow(v).Project(fields)
	return cmd, nil
}

func appendOnce(fields []string, f string) []string {
	if slices.Contains(fields, f) {
		return fields
	}
	return append(fields, f)
}

func versionOf(raw any) int64 {
	if raw == nil {
		return 0
	}
	v, err := numeric.Of(numeric.KindInteger, raw)
	if err != nil {
		return 0
	}
	return v.Int64()
}

func isZeroTime(raw any) bool {
	switch t := raw.(type) {
	case nil:
		return true
	case time.Time:
		return t.IsZero()
	case *time.Time:
		return t == nil || t.IsZero()
	default:
		return false
	}
}
