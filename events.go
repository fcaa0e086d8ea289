package formulaengine

import (
	"sort"

	"github.com/google/uuid"
)

// CellUpdate describes one observed cell change: the serialized value
// before and after a mutation batch.
type CellUpdate struct {
	Address  CellAddress
	OldValue any
	NewValue any
}

// Sheet event kinds.
const (
	SheetAdded   = "sheet-added"
	SheetRemoved = "sheet-removed"
	SheetRenamed = "sheet-renamed"
)

// SheetEvent describes a sheet lifecycle change.
type SheetEvent struct {
	Kind     string
	Workbook string
	Sheet    string
	NewName  string // renames only
}

// ListenerRegistry holds subscriptions keyed by opaque ids. Listeners
// fire synchronously after a mutation batch and must not mutate the
// engine re-entrantly.
type ListenerRegistry struct {
	cellListeners  map[string]func(CellUpdate)
	batchListeners map[string]func([]CellUpdate)
	sheetListeners map[string]func(SheetEvent)
}

// NewListenerRegistry creates an empty registry
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		cellListeners:  make(map[string]func(CellUpdate)),
		batchListeners: make(map[string]func([]CellUpdate)),
		sheetListeners: make(map[string]func(SheetEvent)),
	}
}

// OnCellUpdate subscribes to per-cell changes and returns the
// subscription id.
func (lr *ListenerRegistry) OnCellUpdate(fn func(CellUpdate)) string {
	id := uuid.NewString()
	lr.cellListeners[id] = fn
	return id
}

// OnBatchUpdate subscribes to whole mutation batches.
func (lr *ListenerRegistry) OnBatchUpdate(fn func([]CellUpdate)) string {
	id := uuid.NewString()
	lr.batchListeners[id] = fn
	return id
}

// OnSheetEvent subscribes to sheet lifecycle events.
func (lr *ListenerRegistry) OnSheetEvent(fn func(SheetEvent)) string {
	id := uuid.NewString()
	lr.sheetListeners[id] = fn
	return id
}

// Unsubscribe removes a subscription of any kind.
func (lr *ListenerRegistry) Unsubscribe(id string) bool {
	if _, ok := lr.cellListeners[id]; ok {
		delete(lr.cellListeners, id)
		return true
	}
	if _, ok := lr.batchListeners[id]; ok {
		delete(lr.batchListeners, id)
		return true
	}
	if _, ok := lr.sheetListeners[id]; ok {
		delete(lr.sheetListeners, id)
		return true
	}
	return false
}

// emitCellUpdates fires per-cell listeners for every change, then batch
// listeners once.
func (lr *ListenerRegistry) emitCellUpdates(changes []CellUpdate) {
	if len(changes) == 0 {
		return
	}
	for _, id := range sortedKeys(lr.cellListeners) {
		fn := lr.cellListeners[id]
		for _, change := range changes {
			fn(change)
		}
	}
	for _, id := range sortedKeys(lr.batchListeners) {
		lr.batchListeners[id](changes)
	}
}

// emitSheetEvent fires sheet listeners.
func (lr *ListenerRegistry) emitSheetEvent(event SheetEvent) {
	for _, id := range sortedKeys(lr.sheetListeners) {
		lr.sheetListeners[id](event)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
