package target

import "sync"

// Memory targets created through New are shared by name, so every component
// of one process that names the same memory target sees the same objects.
var (
	sharedMemoryMu sync.Mutex
	sharedMemory   = make(map[string]*MemoryTarget)
)

// SharedMemoryTarget returns the process-wide MemoryTarget called name,
// creating it on first use.
func SharedMemoryTarget(name string) *MemoryTarget {
	sharedMemoryMu.Lock()
	defer sharedMemoryMu.Unlock()

	if t, ok := sharedMemory[name]; ok {
		return t
	}

	t := NewMemoryTarget(name)
	sharedMemory[name] = t
	return t
}

// ResetSharedMemoryTargets forgets every shared MemoryTarget. Tests call it
// during cleanup.
func ResetSharedMemoryTargets() {
	sharedMemoryMu.Lock()
	defer sharedMemoryMu.Unlock()

	sharedMemory = make(map[string]*MemoryTarget)
}
