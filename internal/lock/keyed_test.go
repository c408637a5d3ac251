package lock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vasiliy-maslov/storefront/internal/lock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := lock.NewKeyed()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("product-1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.Len(), "idle keys must be dropped")
}

func TestKeyed_MultipleKeysNoDeadlock(t *testing.T) {
	k := lock.NewKeyed()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a", "b", "c")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := k.Lock("c", "b", "a", "a")
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, k.Len())
}

func TestKeyed_UnlockIsIdempotent(t *testing.T) {
	k := lock.NewKeyed()

	unlock := k.Lock("x")
	assert.Equal(t, 1, k.Len())
	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())

	unlock = k.Lock("x")
	unlock()
}
