package control

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// fakeBackend records requests and answers with canned results.
type fakeBackend struct {
	mu        sync.Mutex
	adds      [][]byte
	dels      [][]byte
	addErr    error
	delErr    error
	renderErr error
}

func (b *fakeBackend) RequestAdd(config []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adds = append(b.adds, append([]byte(nil), config...))
	return b.addErr
}

func (b *fakeBackend) RequestDel(config []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dels = append(b.dels, append([]byte(nil), config...))
	return b.delErr
}

func (b *fakeBackend) Response(status, errText string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.renderErr != nil {
		return nil, b.renderErr
	}
	return json.Marshal(Reply{Status: status, Error: errText})
}

func (b *fakeBackend) addCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.adds)
}

func (b *fakeBackend) lastAdd() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.adds) == 0 {
		return nil
	}
	return b.adds[len(b.adds)-1]
}

var errRejected = errors.New("rejected by backend")
