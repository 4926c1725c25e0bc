// Package keylock はキー単位の排他区間を提供する。
// 同じキーへのLockは直列化され、異なるキー同士は互いをブロックしない。
package keylock

import "sync"

// entry はキーごとのミューテックスと参照数を保持する。
type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex はキーごとのミューテックスを管理する。
// 使用中のキーのみをマップに保持し、参照が無くなったエントリは解放する。
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New は新しいKeyedMutexを生成する。
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock はkeyの排他区間に入り、解放関数を返す。
// 解放関数は1度だけ呼び出すこと。
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len は現在保持しているキー数を返す。
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
