// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package credstore persists the linked device's credentials so a restart
// resumes the same device identity without pairing again.
package credstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiku/wahook/pkg/connector/protocol"
)

// Store loads and saves credentials. Load returns (nil, nil) when nothing
// has been saved yet. Implementations guarantee read-your-writes across
// process restarts.
type Store interface {
	Load(ctx context.Context) (*protocol.Credentials, error)
	Save(ctx context.Context, creds *protocol.Credentials) error
	Exists(ctx context.Context) (bool, error)
	Delete(ctx context.Context) error
	Close() error
}

const (
	TypeFile   = "file"
	TypeSQLite = "sqlite"
)

// Open creates the store selected by storeType at location.
func Open(storeType, location string) (Store, error) {
	switch strings.ToLower(storeType) {
	case "", TypeFile:
		return NewFileStore(location)
	case TypeSQLite:
		return NewSQLiteStore(location, DefaultSessionName)
	default:
		return nil, fmt.Errorf("unknown credential store type %q", storeType)
	}
}
