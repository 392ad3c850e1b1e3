package store_test

import (
	"testing"

	"github.com/kilianp07/jobdispatch/core/store"
	"github.com/kilianp07/jobdispatch/core/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Backend { return store.NewMemoryStore() })
}
