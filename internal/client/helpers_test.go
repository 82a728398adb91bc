package client

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(MirrorModels()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T, db *gorm.DB) *Queue {
	t.Helper()
	queue, err := NewQueue(db)
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return queue
}

func newTestMirror(t *testing.T, db *gorm.DB) *Mirror {
	t.Helper()
	mirror, err := NewMirror(db, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		t.Fatalf("failed to construct mirror: %v", err)
	}
	return mirror
}

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next), nil
}
