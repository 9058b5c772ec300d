package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory()
		},
		"bolt": func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "checkpoints.db"))
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			ctx := context.Background()
			s := open(t)

			_, ok, err := s.Load(ctx, "a")
			is.NoErr(err)
			is.True(!ok)

			is.NoErr(s.Save(ctx, "a", Checkpoint{Revision: 3, Position: 10}))
			cp, ok, err := s.Load(ctx, "a")
			is.NoErr(err)
			is.True(ok)
			is.Equal(cp, Checkpoint{Revision: 3, Position: 10})

			// Older positions do not overwrite.
			is.NoErr(s.Save(ctx, "a", Checkpoint{Revision: 1, Position: 4}))
			cp, _, _ = s.Load(ctx, "a")
			is.Equal(cp.Position, uint64(10))

			is.NoErr(s.Save(ctx, "a", Checkpoint{Revision: 4, Position: 12}))
			cp, _, _ = s.Load(ctx, "a")
			is.Equal(cp, Checkpoint{Revision: 4, Position: 12})

			is.NoErr(s.Delete(ctx, "a"))
			_, ok, err = s.Load(ctx, "a")
			is.NoErr(err)
			is.True(!ok)

			is.NoErr(s.Close())
			is.Equal(s.Save(ctx, "a", Checkpoint{}), ErrClosed)
		})
	}
}

func TestBoltReopen(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := OpenBolt(path)
	is.NoErr(err)
	is.NoErr(s.Save(ctx, "orders", Checkpoint{Revision: 7, Position: 99}))
	is.NoErr(s.Close())

	s, err = OpenBolt(path)
	is.NoErr(err)
	defer s.Close()

	cp, ok, err := s.Load(ctx, "orders")
	is.NoErr(err)
	is.True(ok)
	is.Equal(cp, Checkpoint{Revision: 7, Position: 99})
}
