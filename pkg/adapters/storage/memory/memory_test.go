package memory

import (
	"testing"

	"github.com/aescanero/pipeorch/pkg/adapters/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		return NewStorage()
	})
}
