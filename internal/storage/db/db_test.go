package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]DB {
	t.Helper()
	p, err := Open(EnginePebble, t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return map[string]DB{
		EngineMemory: NewMemory(),
		EnginePebble: p,
	}
}

func TestTree_InsertGetRemove(t *testing.T) {
	for name, d := range engines(t) {
		t.Run(name, func(t *testing.T) {
			tree, err := d.OpenTree("rows")
			require.NoError(t, err)

			v, err := tree.Get([]byte("a"))
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
			v, err = tree.Get([]byte("a"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v)

			require.NoError(t, tree.Remove([]byte("a")))
			v, err = tree.Get([]byte("a"))
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestTree_RangeIsOrderedAndIsolated(t *testing.T) {
	for name, d := range engines(t) {
		t.Run(name, func(t *testing.T) {
			a, err := d.OpenTree("a")
			require.NoError(t, err)
			b, err := d.OpenTree("b")
			require.NoError(t, err)

			for i := 9; i >= 0; i-- {
				require.NoError(t, a.Insert([]byte(fmt.Sprintf("k%02d", i)), []byte{byte(i)}))
			}
			require.NoError(t, b.Insert([]byte("k05"), []byte("other")))

			all, err := a.Range(nil, nil, 0)
			require.NoError(t, err)
			require.Len(t, all, 10)
			for i, kv := range all {
				assert.Equal(t, fmt.Sprintf("k%02d", i), string(kv.Key))
			}

			page, err := a.Range([]byte("k03"), []byte("k07"), 0)
			require.NoError(t, err)
			require.Len(t, page, 4)
			assert.Equal(t, "k03", string(page[0].Key))
			assert.Equal(t, "k06", string(page[3].Key))

			limited, err := a.Range([]byte("k05"), nil, 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "k06", string(limited[1].Key))

			n, err := b.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			pref, err := ScanPrefix(a, []byte("k0"), 0)
			require.NoError(t, err)
			assert.Len(t, pref, 10)
		})
	}
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	for name, d := range engines(t) {
		t.Run(name, func(t *testing.T) {
			rows, err := d.OpenTree("rows")
			require.NoError(t, err)
			todo, err := d.OpenTree("todo")
			require.NoError(t, err)
			require.NoError(t, rows.Insert([]byte("x"), []byte("old")))

			err = d.Transaction(func(tx Tx) error {
				v, err := tx.Get(rows, []byte("x"))
				if err != nil {
					return err
				}
				assert.Equal(t, []byte("old"), v)
				if err := tx.Insert(rows, []byte("x"), []byte("new")); err != nil {
					return err
				}
				v, err = tx.Get(rows, []byte("x"))
				assert.Equal(t, []byte("new"), v)
				return tx.Insert(todo, []byte("x"), []byte("1"))
			})
			require.NoError(t, err)

			v, _ := rows.Get([]byte("x"))
			assert.Equal(t, []byte("new"), v)
			v, _ = todo.Get([]byte("x"))
			assert.Equal(t, []byte("1"), v)

			err = d.Transaction(func(tx Tx) error {
				require.NoError(t, tx.Insert(rows, []byte("x"), []byte("discarded")))
				require.NoError(t, tx.Remove(todo, []byte("x")))
				require.NoError(t, tx.Insert(rows, []byte("y"), []byte("discarded")))
				return ErrAbort
			})
			assert.True(t, errors.Is(err, ErrAbort))

			v, _ = rows.Get([]byte("x"))
			assert.Equal(t, []byte("new"), v)
			v, _ = rows.Get([]byte("y"))
			assert.Nil(t, v)
			v, _ = todo.Get([]byte("x"))
			assert.Equal(t, []byte("1"), v)
		})
	}
}

func TestOpen_UnknownEngine(t *testing.T) {
	_, err := Open("sled", "", Options{})
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ab"), PrefixEnd([]byte("aa")))
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}
