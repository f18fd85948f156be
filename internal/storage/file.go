package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "smsbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.announce.json  (channel id -> announcement ref, rewritten atomically)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	announcePath string
	announce     map[string]AnnouncementRef
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	announcePath := prefix + ".announce.json"
	announce := map[string]AnnouncementRef{}
	if err := loadJSON(announcePath, &announce); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt index only costs a rescan of the channel.
		log.Warn("announcement index unreadable, starting empty", logx.String("path", announcePath), logx.Err(err))
		announce = map[string]AnnouncementRef{}
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		announcePath: announcePath,
		announce:     announce,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) GetAnnouncement(ctx context.Context, channelID string) (AnnouncementRef, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.announce[channelID]
	return ref, ok, nil
}

func (s *fileStore) PutAnnouncement(ctx context.Context, ref AnnouncementRef) error {
	_ = ctx
	if strings.TrimSpace(ref.ChannelID) == "" || strings.TrimSpace(ref.MessageID) == "" {
		return errors.New("announcement ref is incomplete")
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]AnnouncementRef, len(s.announce)+1)
	for k, v := range s.announce {
		next[k] = v
	}
	next[ref.ChannelID] = ref
	if err := writeJSONAtomic(s.announcePath, next); err != nil {
		return err
	}
	s.announce = next
	return nil
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
