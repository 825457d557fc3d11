package memory

import (
	"testing"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/test"
)

func TestMemoryDatastore(t *testing.T) {
	test.RunAllTests(t, func() storage.PlacerDatastore {
		return New()
	})
}
