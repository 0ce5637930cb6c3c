package vecshard

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// AliasAction is the kind of an alias operation.
type AliasAction uint8

// Alias actions.
const (
	AliasCreate AliasAction = iota
	AliasRename
	AliasDelete
)

func (a AliasAction) String() string {
	switch a {
	case AliasCreate:
		return "create"
	case AliasRename:
		return "rename"
	case AliasDelete:
		return "delete"
	default:
		return fmt.Sprintf("AliasAction(%d)", uint8(a))
	}
}

// AliasOperation is one step of an alias batch.
type AliasOperation struct {
	Action AliasAction
	// Alias is the alias to create or delete, or the old name on rename.
	Alias string
	// Collection is the target of a created alias.
	Collection string
	// NewAlias is the new name on rename.
	NewAlias string
}

// CreateAlias points alias at collection.
func CreateAlias(alias, collection string) AliasOperation {
	return AliasOperation{Action: AliasCreate, Alias: alias, Collection: collection}
}

// RenameAlias renames an alias, keeping its target.
func RenameAlias(from, to string) AliasOperation {
	return AliasOperation{Action: AliasRename, Alias: from, NewAlias: to}
}

// DeleteAlias removes an alias.
func DeleteAlias(alias string) AliasOperation {
	return AliasOperation{Action: AliasDelete, Alias: alias}
}

// AliasDescription is one entry of the alias table.
type AliasDescription struct {
	Alias      string `json:"alias_name"`
	Collection string `json:"collection_name"`
}

// UpdateAliases applies ops in order as one transaction: either all of them
// take effect or none does. Creating an alias whose name is taken by an
// alias or a collection fails the batch with ErrSchemaConflict.
func (s *Storage) UpdateAliases(ctx context.Context, ops []AliasOperation, timeout time.Duration) error {
	return s.commit(ctx, "update aliases", timeout, func(ctx context.Context) error {
		s.structMu.RLock()
		defer s.structMu.RUnlock()
		// Names being claimed or targeted must not be created, deleted or
		// restored meanwhile.
		defer s.names.lock(aliasNames(ops)...)()

		s.aliasMu.Lock()
		defer s.aliasMu.Unlock()

		s.mu.RLock()
		next, err := applyAliases(s.aliases, func(name string) bool {
			_, ok := s.collections[name]
			return ok
		}, ops)
		s.mu.RUnlock()
		if err == nil {
			err = s.reg.setAliases(next)
		}
		s.logger.LogAliasUpdate(ctx, len(ops), err)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.aliases = next
		s.mu.Unlock()
		return nil
	})
}

func aliasNames(ops []AliasOperation) []string {
	var names []string
	for _, op := range ops {
		for _, n := range []string{op.Alias, op.Collection, op.NewAlias} {
			if n != "" {
				names = append(names, n)
			}
		}
	}
	return names
}

// applyAliases returns the alias table after ops, leaving current
// untouched.
func applyAliases(current map[string]string, isCollection func(string) bool, ops []AliasOperation) (map[string]string, error) {
	next := make(map[string]string, len(current)+len(ops))
	maps.Copy(next, current)

	claim := func(name string) error {
		if err := validateName(name); err != nil {
			return err
		}
		if isCollection(name) {
			return fmt.Errorf("%w: %q is a collection", ErrSchemaConflict, name)
		}
		if target, ok := next[name]; ok {
			return fmt.Errorf("%w: alias %q already points at %s", ErrSchemaConflict, name, target)
		}
		return nil
	}

	for i, op := range ops {
		var err error
		switch op.Action {
		case AliasCreate:
			if !isCollection(op.Collection) {
				err = notFound(op.Collection)
			} else if err = claim(op.Alias); err == nil {
				next[op.Alias] = op.Collection
			}
		case AliasRename:
			target, ok := next[op.Alias]
			switch {
			case !ok:
				err = fmt.Errorf("%w: %s", ErrAliasNotFound, op.Alias)
			case op.NewAlias == op.Alias:
			default:
				if err = claim(op.NewAlias); err == nil {
					delete(next, op.Alias)
					next[op.NewAlias] = target
				}
			}
		case AliasDelete:
			if _, ok := next[op.Alias]; !ok {
				err = fmt.Errorf("%w: %s", ErrAliasNotFound, op.Alias)
			} else {
				delete(next, op.Alias)
			}
		default:
			err = fmt.Errorf("unknown alias action %s", op.Action)
		}
		if err != nil {
			return nil, fmt.Errorf("alias operation %d (%s): %w", i, op.Action, err)
		}
	}
	return next, nil
}

// ListAliases returns every alias ordered by name.
func (s *Storage) ListAliases(_ context.Context) ([]AliasDescription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AliasDescription, 0, len(s.aliases))
	for alias, col := range s.aliases {
		out = append(out, AliasDescription{Alias: alias, Collection: col})
	}
	slices.SortFunc(out, func(a, b AliasDescription) int { return strings.Compare(a.Alias, b.Alias) })
	return out, nil
}

// CollectionAliases returns the aliases pointing at name, sorted.
func (s *Storage) CollectionAliases(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for alias, col := range s.aliases {
		if col == name {
			out = append(out, alias)
		}
	}
	slices.Sort(out)
	return out
}
