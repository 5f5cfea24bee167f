package candidate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"p2pcall/pkg/signal"
	"p2pcall/pkg/store/memory"

	"github.com/pkg/errors"
)

type collector struct {
	mx   sync.Mutex
	got  []string
	errs []error
}

func (c *collector) onCandidate(candidate signal.Candidate) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.got = append(c.got, candidate.Payload)
}

func (c *collector) onErr(err error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.errs = append(c.errs, err)
}

func (c *collector) snapshot() ([]string, []error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	return append([]string(nil), c.got...), append([]error(nil), c.errs...)
}

func (c *collector) waitLen(t *testing.T, n int) []string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := c.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d candidates, want at least %d", len(got), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// isOrderedSuperset reports whether want appears in got in order, allowing
// repeated entries in got.
func isOrderedSuperset(got, want []string) bool {
	i := 0

	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++

			continue
		}

		found := false
		for _, w := range want[:i] {
			if g == w {
				found = true
			}
		}

		if !found {
			return false
		}
	}

	return i == len(want)
}

func TestPublishedSequenceObservedInOrder(t *testing.T) {
	for _, redeliver := range []bool{false, true} {
		t.Run(fmt.Sprintf("redeliver=%v", redeliver), func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore(memory.Config{Redeliver: redeliver})

			out := NewChannel(store, "r1", "s1", signal.RoleCaller)
			in := NewChannel(store, "r1", "s1", signal.RoleCaller)

			if _, err := out.Publish(ctx, "c1"); err != nil {
				t.Fatal(err)
			}

			c := &collector{}

			cancel, err := in.Subscribe(ctx, c.onCandidate, c.onErr)
			if err != nil {
				t.Fatal(err)
			}
			defer cancel()

			for _, p := range []string{"c2", "c3"} {
				if _, err := out.Publish(ctx, p); err != nil {
					t.Fatal(err)
				}
			}

			want := []string{"c1", "c2", "c3"}
			n := len(want)
			if redeliver {
				n *= 2
			}

			got := c.waitLen(t, n)
			if !isOrderedSuperset(got, want) {
				t.Fatalf("observed %v, want an ordered superset of %v", got, want)
			}

			if _, errs := c.snapshot(); len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestStreamsAreSeparatedByRoleAndSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.Config{})

	callerOut := NewChannel(store, "r1", "s1", signal.RoleCaller)
	calleeOut := NewChannel(store, "r1", "s1", signal.RoleCallee)
	oldSession := NewChannel(store, "r1", "s0", signal.RoleCallee)

	if callerOut.Key() == calleeOut.Key() || calleeOut.Key() == oldSession.Key() {
		t.Fatal("stream keys collide")
	}

	if _, err := oldSession.Publish(ctx, "stale"); err != nil {
		t.Fatal(err)
	}
	if _, err := callerOut.Publish(ctx, "from-caller"); err != nil {
		t.Fatal(err)
	}
	if _, err := calleeOut.Publish(ctx, "from-callee"); err != nil {
		t.Fatal(err)
	}

	c := &collector{}

	cancel, err := NewChannel(store, "r1", "s1", signal.RoleCallee).Subscribe(ctx, c.onCandidate, c.onErr)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	c.waitLen(t, 1)
	time.Sleep(20 * time.Millisecond)
	got, _ := c.snapshot()

	if len(got) != 1 || got[0] != "from-callee" {
		t.Fatalf("callee stream delivered %v", got)
	}
}

func TestUndecodableRecordReported(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.Config{})
	ch := NewChannel(store, "r1", "s1", signal.RoleCallee)

	if err := store.AppendToStream(ctx, ch.Key(), []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Publish(ctx, "ok"); err != nil {
		t.Fatal(err)
	}

	c := &collector{}

	cancel, err := ch.Subscribe(ctx, c.onCandidate, c.onErr)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	got := c.waitLen(t, 1)
	if got[0] != "ok" {
		t.Fatalf("got %v", got)
	}

	if _, errs := c.snapshot(); len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
}

func TestPublishPropagatesStoreFailure(t *testing.T) {
	store := memory.NewStore(memory.Config{})
	store.SetUnavailable(errors.New("timeout"))

	_, err := NewChannel(store, "r1", "s1", signal.RoleCaller).Publish(context.Background(), "c1")
	if !errors.Is(err, signal.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestIsOrderedSuperset(t *testing.T) {
	want := []string{"a", "b", "c"}

	for _, tc := range []struct {
		got []string
		ok  bool
	}{
		{[]string{"a", "b", "c"}, true},
		{[]string{"a", "a", "b", "c", "c"}, true},
		{[]string{"a", "b", "a", "c"}, true},
		{[]string{"a", "c", "b"}, false},
		{[]string{"a", "b"}, false},
	} {
		if isOrderedSuperset(tc.got, want) != tc.ok {
			t.Errorf("isOrderedSuperset(%v) != %v", tc.got, tc.ok)
		}
	}
}
