package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"hamcp/internal/models"
)

// Snapshot is the on-disk shape of the persisted session state. Codes
// and clients are deliberately absent: losing a pending code forces at
// worst one extra OAuth round-trip, and clients re-register dynamically.
type Snapshot struct {
	AdminSessions         []*models.AdminSession         `json:"adminSessions"`
	AccessTokens          []*models.AccessToken          `json:"accessTokens"`
	AuthenticatedSessions []*models.AuthenticatedSession `json:"authenticatedSessions"`
	SavedAt               time.Time                      `json:"savedAt"`
}

// snapshotLocked copies the persisted collections into a Snapshot.
// Caller must hold s.mu (read or write).
func (s *Store) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		AdminSessions:         make([]*models.AdminSession, 0, len(s.adminSessions)),
		AccessTokens:          make([]*models.AccessToken, 0, len(s.tokens)),
		AuthenticatedSessions: make([]*models.AuthenticatedSession, 0, len(s.authByToken)),
		SavedAt:               time.Now(),
	}
	for _, sess := range s.adminSessions {
		snap.AdminSessions = append(snap.AdminSessions, sess)
	}
	for _, t := range s.tokens {
		snap.AccessTokens = append(snap.AccessTokens, t)
	}
	for _, as := range s.authByToken {
		snap.AuthenticatedSessions = append(snap.AuthenticatedSessions, as)
	}
	return snap
}

// Restore loads a snapshot into the store, dropping entries that have
// expired since it was saved. Authenticated sessions whose token or
// admin session did not survive are dropped with them.
func (s *Store) Restore(snap *Snapshot) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range snap.AdminSessions {
		if !sess.Expired(now) {
			s.adminSessions[sess.Token] = sess
		}
	}
	for _, t := range snap.AccessTokens {
		if !t.Expired(now) {
			s.tokens[t.Token] = t
		}
	}
	for _, as := range snap.AuthenticatedSessions {
		if _, ok := s.tokens[as.AccessToken]; !ok {
			continue
		}
		if _, ok := s.adminSessions[as.AdminSessionToken]; !ok {
			continue
		}
		s.authByToken[as.AccessToken] = as
		s.authByClient[as.ClientID] = as
	}
}

// FilePersister writes snapshots to a JSON file, replacing it
// atomically so a crash mid-write never corrupts the previous state.
type FilePersister struct {
	path   string
	logger *slog.Logger
}

// NewFilePersister creates a persister writing to path. The parent
// directory is created if missing.
func NewFilePersister(path string, logger *slog.Logger) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &FilePersister{path: path, logger: logger}, nil
}

// Save writes the snapshot to a temp file in the same directory and
// renames it over the target.
func (p *FilePersister) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file returns an empty
// snapshot; a corrupt file logs a warning and also returns empty, so
// startup never fails on bad state.
func (p *FilePersister) Load() *Snapshot {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("reading session snapshot failed, starting empty",
				slog.String("path", p.path),
				slog.String("error", err.Error()),
			)
		}
		return &Snapshot{}
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		p.logger.Warn("session snapshot corrupt, starting empty",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)
		return &Snapshot{}
	}
	return snap
}
