package source

import (
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/model"
	"github.com/atlas-health/refsync/internal/resilience"
)

// offsetCursor parses the numeric cursor used by offset-paged sources. An
// empty cursor means offset zero. A corrupt cursor is a permanent error:
// retrying will never fix it, the operator has to reset the source.
func offsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, resilience.Permanent(eris.Errorf("corrupt cursor %q", cursor))
	}
	return n, nil
}

// pageOf slices one page out of a fully loaded record set.
func pageOf(records []model.RawRecord, offset, pageSize int) *Page {
	if pageSize <= 0 {
		pageSize = 100
	}
	if offset >= len(records) {
		return &Page{NextCursor: strconv.Itoa(len(records)), Done: true}
	}

	end := offset + pageSize
	if end > len(records) {
		end = len(records)
	}
	return &Page{
		Records:    records[offset:end],
		NextCursor: strconv.Itoa(end),
		Done:       end == len(records),
	}
}
