package memory

import (
	"testing"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/test"
)

func Test_MemoryBackend(t *testing.T) {
	test.BackendTest(t, func() backend.Backend {
		return NewMemoryBackend()
	}, nil)
}
