package levels

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/kuitang/readaloud/internal/db"
	"github.com/kuitang/readaloud/internal/db/testutil"
	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/prompts"
	"github.com/kuitang/readaloud/internal/shuffle"
	"github.com/kuitang/readaloud/internal/testdb"
)

type countingSource struct {
	prompts.Source
	calls atomic.Int64
}

func (c *countingSource) FetchRange(ctx context.Context, r prompts.Range) ([]string, error) {
	c.calls.Add(1)
	return c.Source.FetchRange(ctx, r)
}

func newUser(t testing.TB, store *db.Store, username string) *db.User {
	t.Helper()
	u, err := store.InsertUser(context.Background(), uuid.NewString(), username, "sess", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	return u
}

func reload(t testing.TB, store *db.Store, id string) *db.User {
	t.Helper()
	u, err := store.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	return u
}

func TestNextPrompt_ShufflesNonBlankRowsOnce(t *testing.T) {
	store := testdb.New(t)
	src := &countingSource{Source: prompts.NewStaticSource([]string{
		"First prompt.", "", "Third prompt.", "   ", "Fifth prompt.",
	})}
	a := NewAssigner(store, src, 5)
	ctx := context.Background()
	u := newUser(t, store, "alice")

	got, err := a.NextPrompt(ctx, u, 1, 1)
	if err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}
	want := shuffle.Shuffle([]int{1, 3, 5}, shuffle.DeriveSeed("alice", 1))
	if !slices.Equal(u.LevelScriptOrder, want) {
		t.Fatalf("order = %v, want %v", u.LevelScriptOrder, want)
	}
	if stored := reload(t, store, u.ID).LevelScriptOrder; !slices.Equal(stored, want) {
		t.Fatalf("stored order = %v, want %v", stored, want)
	}
	if got.TotalInLevel != 3 || got.LevelComplete {
		t.Fatalf("assignment = %+v", got)
	}
	cur := got.Current()
	if cur.ExternalIndex != want[0] || cur.IndexWithinLevel != 0 || cur.Text == "" {
		t.Fatalf("current = %+v, want row %d", cur, want[0])
	}
	if src.calls.Load() != 1 {
		t.Fatalf("fresh assignment made %d fetches, want 1", src.calls.Load())
	}
}

func TestNextPrompt_ReusesStoredOrder(t *testing.T) {
	store := testdb.New(t)
	static := prompts.NewStaticSource([]string{"a.", "b.", "c.", "d."})
	src := &countingSource{Source: static}
	a := NewAssigner(store, src, 4)
	ctx := context.Background()
	u := newUser(t, store, "bob")

	first, err := a.NextPrompt(ctx, u, 1, 1)
	if err != nil {
		t.Fatalf("first NextPrompt: %v", err)
	}
	order := slices.Clone(u.LevelScriptOrder)

	// Upstream edits a row that is not the current prompt.
	for _, row := range order[1:] {
		static.Set(row, "")
	}

	again, err := a.NextPrompt(ctx, reload(t, store, u.ID), 1, 1)
	if err != nil {
		t.Fatalf("second NextPrompt: %v", err)
	}
	if *again.Current() != *first.Current() {
		t.Fatalf("second read = %+v, want %+v", again.Current(), first.Current())
	}
	if !slices.Equal(reload(t, store, u.ID).LevelScriptOrder, order) {
		t.Fatal("stored order changed on re-read")
	}
}

func TestNextPrompt_NoPromptsInLevel(t *testing.T) {
	store := testdb.New(t)
	a := NewAssigner(store, prompts.NewStaticSource([]string{"only level one."}), 3)
	u := newUser(t, store, "carol")
	u.CurrentLevel = 2

	_, err := a.NextPrompt(context.Background(), u, 2, 1)
	if !errors.Is(err, ErrNoPromptsInLevel) {
		t.Fatalf("err = %v, want ErrNoPromptsInLevel", err)
	}
	if errs.CodeOf(err) != errs.FailedPrecondition {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestNextPrompt_PromptTextMissing(t *testing.T) {
	store := testdb.New(t)
	static := prompts.NewStaticSource([]string{"a.", "b."})
	a := NewAssigner(store, static, 2)
	ctx := context.Background()
	u := newUser(t, store, "dave")

	first, err := a.NextPrompt(ctx, u, 1, 1)
	if err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}
	static.Set(first.Current().ExternalIndex, " ")

	_, err = a.NextPrompt(ctx, reload(t, store, u.ID), 1, 1)
	if !errors.Is(err, ErrPromptTextMissing) {
		t.Fatalf("err = %v, want ErrPromptTextMissing", err)
	}
}

func TestNextPrompt_LevelMismatch(t *testing.T) {
	store := testdb.New(t)
	a := NewAssigner(store, prompts.NewStaticSource([]string{"a.", "b."}), 1)
	u := newUser(t, store, "erin")

	for _, level := range []int{0, 2} {
		if _, err := a.NextPrompt(context.Background(), u, level, 1); !errors.Is(err, ErrLevelMismatch) {
			t.Fatalf("level %d: err = %v, want ErrLevelMismatch", level, err)
		}
	}
	if reload(t, store, u.ID).LevelScriptOrder != nil {
		t.Fatal("mismatched level stored an order")
	}
}

func TestNextPrompt_LevelComplete(t *testing.T) {
	store := testdb.New(t)
	a := NewAssigner(store, prompts.NewStaticSource([]string{"a.", "b."}), 2)
	ctx := context.Background()
	u := newUser(t, store, "frank")

	if _, err := a.NextPrompt(ctx, u, 1, 1); err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}
	u.ScriptsCompletedInLevel = 2

	got, err := a.NextPrompt(ctx, u, 1, 1)
	if err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}
	if !got.LevelComplete || got.Current() != nil || got.TotalInLevel != 2 {
		t.Fatalf("assignment = %+v, want level complete", got)
	}
}

func TestNextPrompt_Batch(t *testing.T) {
	store := testdb.New(t)
	a := NewAssigner(store, prompts.NewStaticSource([]string{"a.", "b.", "c.", "d.", "e."}), 5)
	ctx := context.Background()
	u := newUser(t, store, "grace")

	if _, err := a.NextPrompt(ctx, u, 1, 1); err != nil {
		t.Fatal(err)
	}
	u = reload(t, store, u.ID)
	u.ScriptsCompletedInLevel = 2

	got, err := a.NextPrompt(ctx, u, 1, 50)
	if err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}
	if len(got.Prompts) != 3 {
		t.Fatalf("batch len = %d, want the 3 remaining", len(got.Prompts))
	}
	for i, p := range got.Prompts {
		if p.IndexWithinLevel != 2+i || p.ExternalIndex != u.LevelScriptOrder[2+i] {
			t.Fatalf("prompt %d = %+v", i, p)
		}
	}
}

// racingStore stores a competing order just before the assigner's own save.
type racingStore struct {
	*db.Store
	competing []int
}

func (r *racingStore) SaveLevelOrder(ctx context.Context, id string, level int, order []int) (bool, error) {
	if _, err := r.Store.SaveLevelOrder(ctx, id, level, r.competing); err != nil {
		return false, err
	}
	return r.Store.SaveLevelOrder(ctx, id, level, order)
}

func TestNextPrompt_AdoptsConcurrentOrder(t *testing.T) {
	store := testdb.New(t)
	competing := []int{3, 2, 1}
	a := NewAssigner(&racingStore{Store: store, competing: competing},
		prompts.NewStaticSource([]string{"a.", "b.", "c."}), 3)
	u := newUser(t, store, "heidi")

	got, err := a.NextPrompt(context.Background(), u, 1, 1)
	if err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}
	if !slices.Equal(u.LevelScriptOrder, competing) {
		t.Fatalf("order = %v, want adopted %v", u.LevelScriptOrder, competing)
	}
	if got.Current().ExternalIndex != 3 || got.Current().Text != "c." {
		t.Fatalf("current = %+v, want row 3", got.Current())
	}
}

func testOrderIsPermutationOfNonBlankRows(t *rapid.T) {
	store, err := testdb.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	pageSize := rapid.IntRange(1, 30).Draw(t, "pageSize")
	level := rapid.IntRange(1, 3).Draw(t, "level")
	column := make([]string, (level-1)*pageSize)
	column = append(column, testutil.PromptColumn(pageSize).Draw(t, "column")...)
	username := testutil.BaseUsername().Draw(t, "username")

	u, err := store.InsertUser(context.Background(), uuid.NewString(), username, "s", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	u.CurrentLevel = level
	if _, err := store.DB().Exec(`UPDATE users SET current_level = ? WHERE id = ?`, level, u.ID); err != nil {
		t.Fatal(err)
	}

	a := NewAssigner(store, prompts.NewStaticSource(column), pageSize)
	got, err := a.NextPrompt(context.Background(), u, level, 1)
	if err != nil {
		t.Fatalf("NextPrompt: %v", err)
	}

	var want []int
	for i := (level - 1) * pageSize; i < len(column); i++ {
		if !prompts.IsBlank(column[i]) {
			want = append(want, i+1)
		}
	}
	sorted := slices.Sorted(slices.Values(u.LevelScriptOrder))
	if !slices.Equal(sorted, want) {
		t.Fatalf("order %v is not a permutation of %v", u.LevelScriptOrder, want)
	}
	if got.TotalInLevel != len(want) || got.Current().ExternalIndex != u.LevelScriptOrder[0] {
		t.Fatalf("assignment = %+v", got)
	}
}

func TestOrderIsPermutationOfNonBlankRows(t *testing.T) {
	rapid.Check(t, testOrderIsPermutationOfNonBlankRows)
}

func FuzzOrderIsPermutationOfNonBlankRows(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testOrderIsPermutationOfNonBlankRows))
}

func TestEnsureOrder(t *testing.T) {
	store := testdb.New(t)
	src := &countingSource{Source: prompts.NewStaticSource([]string{"a.", "", "c."})}
	a := NewAssigner(store, src, 3)
	ctx := context.Background()
	u := newUser(t, store, "ivy")

	if err := a.EnsureOrder(ctx, u); err != nil {
		t.Fatalf("EnsureOrder: %v", err)
	}
	want := shuffle.Shuffle([]int{1, 3}, shuffle.DeriveSeed("ivy", 1))
	if !slices.Equal(u.LevelScriptOrder, want) {
		t.Fatalf("order = %v, want %v", u.LevelScriptOrder, want)
	}
	if err := a.EnsureOrder(ctx, reload(t, store, u.ID)); err != nil {
		t.Fatalf("second EnsureOrder: %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("source fetched %d times, want 1", src.calls.Load())
	}
}

func TestEnsureOrder_AdoptsConcurrentOrder(t *testing.T) {
	store := testdb.New(t)
	competing := []int{2, 1}
	a := NewAssigner(&racingStore{Store: store, competing: competing},
		prompts.NewStaticSource([]string{"a.", "b."}), 2)
	u := newUser(t, store, "jack")

	if err := a.EnsureOrder(context.Background(), u); err != nil {
		t.Fatalf("EnsureOrder: %v", err)
	}
	if !slices.Equal(u.LevelScriptOrder, competing) {
		t.Fatalf("order = %v, want adopted %v", u.LevelScriptOrder, competing)
	}
}
