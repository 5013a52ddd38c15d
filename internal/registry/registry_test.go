package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterKeepsStartOrder(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"server2", "server1", "client"} {
		require.NoError(t, r.Register(&ManagedProcess{Name: name}))
	}

	var got []string
	for _, p := range r.All() {
		got = append(got, p.Name)
	}
	assert.Equal(t, []string{"server2", "server1", "client"}, got)
	assert.Equal(t, 3, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&ManagedProcess{Name: "server2"}))
	assert.ErrorContains(t, r.Register(&ManagedProcess{Name: "server2"}), "already registered")
	assert.Equal(t, 1, r.Len())
}

func TestAllReturnsCopy(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&ManagedProcess{Name: "a"}))

	snapshot := r.All()
	snapshot[0] = &ManagedProcess{Name: "mutated"}

	p, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", p.Name)
}

func TestRemove(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&ManagedProcess{Name: "a"}))
	require.NoError(t, r.Register(&ManagedProcess{Name: "b"}))

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))

	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestSealRefusesRegistration(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(&ManagedProcess{Name: "server2"}))

	drained := r.Seal()
	require.Len(t, drained, 1)
	assert.True(t, r.Sealed())

	err := r.Register(&ManagedProcess{Name: "server1"})
	assert.ErrorIs(t, err, ErrSealed)
	assert.Equal(t, 1, r.Len())

	// Removal still works after sealing; cleanup relies on it
	assert.True(t, r.Remove("server2"))
}

func TestConcurrentRegister(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(&ManagedProcess{Name: fmt.Sprintf("p%d", i)})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
