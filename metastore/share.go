package metastore

import (
	"context"
	"sync"

	"github.com/leftmike/fuse/meta"
)

// ShareSaver publishes the metadata of a shared table to the shares that include it.
type ShareSaver interface {
	SaveShareTable(ctx context.Context, shareID uint64, ti *meta.TableInfo) error
}

type MemoryShareSaver struct {
	mutex  sync.Mutex
	tables map[uint64][]*meta.TableInfo
}

func (mss *MemoryShareSaver) SaveShareTable(ctx context.Context, shareID uint64,
	ti *meta.TableInfo) error {

	mss.mutex.Lock()
	defer mss.mutex.Unlock()

	if mss.tables == nil {
		mss.tables = map[uint64][]*meta.TableInfo{}
	}
	mss.tables[shareID] = append(mss.tables[shareID], ti)
	return nil
}

// Saved returns the table metadata saved to the share, oldest first.
func (mss *MemoryShareSaver) Saved(shareID uint64) []*meta.TableInfo {
	mss.mutex.Lock()
	defer mss.mutex.Unlock()

	return append([]*meta.TableInfo(nil), mss.tables[shareID]...)
}
