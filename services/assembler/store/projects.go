// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AssembleLocal/services/assembler/faults"
)

// Project is a user-registered Android project.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const projectPrefix = "project/rec/"

func projectKey(id string) string { return projectPrefix + id }

// CreateProject registers a project. Names are unique among active
// projects; a duplicate fails with Conflict.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now

	return s.update(ctx, func(txn *badger.Txn) error {
		var clash bool
		err := scanPrefix(txn, projectPrefix, func(other *Project) error {
			if other.Active && other.Name == p.Name {
				clash = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if clash {
			return faults.Newf(faults.KindConflict, "project name %q already registered", p.Name)
		}
		return put(txn, projectKey(p.ID), p)
	})
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.view(ctx, func(txn *badger.Txn) error {
		return get(txn, projectKey(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectByName fetches one active project by display name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	var found *Project
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, projectPrefix, func(p *Project) error {
			if p.Active && p.Name == name {
				clone := *p
				found = &clone
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, faults.Newf(faults.KindNotFound, "project %q", name)
	}
	return found, nil
}

// ListActiveProjects returns active projects sorted by name.
func (s *Store) ListActiveProjects(ctx context.Context) ([]*Project, error) {
	var out []*Project
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, projectPrefix, func(p *Project) error {
			if p.Active {
				clone := *p
				out = append(out, &clone)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateProject applies mutate to the stored record.
func (s *Store) UpdateProject(ctx context.Context, id string, mutate func(*Project) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var p Project
		if err := get(txn, projectKey(id), &p); err != nil {
			return err
		}
		if err := mutate(&p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		return put(txn, projectKey(id), &p)
	})
}

// SoftDeleteProject clears the active flag; the record and its history
// remain readable by id.
func (s *Store) SoftDeleteProject(ctx context.Context, id string) error {
	return s.UpdateProject(ctx, id, func(p *Project) error {
		p.Active = false
		return nil
	})
}
