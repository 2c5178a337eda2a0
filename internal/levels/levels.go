// Package levels decides which prompt a contributor reads next.
//
// Each level is a contiguous block of prompt rows. The first time a
// contributor asks for a prompt in a level, the non-blank rows of that block
// are shuffled with a seed derived from (username, level) and the order is
// persisted on the user row. Later requests reuse the stored order, so a
// contributor resuming a half-finished level sees the same remaining
// sequence and upstream edits to the source do not reorder it mid-level.
package levels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kuitang/readaloud/internal/db"
	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/logutil"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/prompts"
	"github.com/kuitang/readaloud/internal/shuffle"
)

// MaxBatch is the largest number of prompts returned by one request.
const MaxBatch = 10

var (
	// ErrNoPromptsInLevel means every row in the level's range is blank.
	ErrNoPromptsInLevel = errors.New("no prompts in level")
	// ErrPromptTextMissing means an assigned row had no text when fetched.
	ErrPromptTextMissing = errors.New("prompt text missing")
	// ErrLevelMismatch means the requested level is not the user's current
	// level.
	ErrLevelMismatch = errors.New("level mismatch")
)

// Store is the subset of the user store the assigner needs.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*db.User, error)
	SaveLevelOrder(ctx context.Context, id string, level int, order []int) (bool, error)
}

// Prompt is one assigned prompt.
type Prompt struct {
	Text string `json:"text"`
	// ExternalIndex is the 1-based row in the prompt source.
	ExternalIndex int `json:"externalIndex"`
	// IndexWithinLevel is the prompt's position in the user's order.
	IndexWithinLevel int `json:"indexWithinLevel"`
}

// Assignment is the answer to a next-prompt request.
type Assignment struct {
	Level         int  `json:"level"`
	TotalInLevel  int  `json:"totalInLevel"`
	LevelComplete bool `json:"levelComplete"`
	// Prompts starts with the current prompt. Empty when LevelComplete.
	Prompts []Prompt `json:"prompts"`
}

// Current returns the prompt to record now, or nil when the level is done.
func (a *Assignment) Current() *Prompt {
	if a == nil || len(a.Prompts) == 0 {
		return nil
	}
	return &a.Prompts[0]
}

// Assigner resolves and persists per-user prompt orders.
type Assigner struct {
	store    Store
	source   prompts.Source
	pageSize int
	logger   *slog.Logger
}

// NewAssigner returns an Assigner reading levels of pageSize rows.
func NewAssigner(store Store, source prompts.Source, pageSize int) *Assigner {
	return &Assigner{
		store:    store,
		source:   source,
		pageSize: pageSize,
		logger:   obs.Pkg("levels"),
	}
}

// PageSize returns the nominal number of rows per level.
func (a *Assigner) PageSize() int {
	return a.pageSize
}

// NextPrompt returns up to count prompts for user starting at their current
// position in level. user.LevelScriptOrder is updated in place when a new
// order is created or adopted.
func (a *Assigner) NextPrompt(ctx context.Context, user *db.User, level, count int) (*Assignment, error) {
	if a.source == nil {
		return nil, errs.New(errs.ConfigurationMissing, "prompt source is not configured")
	}
	if count < 1 {
		count = 1
	}
	if count > MaxBatch {
		count = MaxBatch
	}
	if level != user.CurrentLevel {
		return nil, errs.Wrap(errs.FailedPrecondition,
			fmt.Sprintf("level %d requested but user is on level %d", level, user.CurrentLevel),
			ErrLevelMismatch)
	}

	var cells map[int]string
	if user.LevelScriptOrder == nil {
		fetched, err := a.assign(ctx, user, level)
		if err != nil {
			return nil, err
		}
		cells = fetched
	}

	order := user.LevelScriptOrder
	out := &Assignment{Level: level, TotalInLevel: len(order)}
	start := user.ScriptsCompletedInLevel
	if start >= len(order) {
		out.LevelComplete = true
		out.Prompts = []Prompt{}
		return out, nil
	}

	end := min(start+count, len(order))
	if cells == nil {
		var err error
		cells, err = a.fetchRows(ctx, order[start:end])
		if err != nil {
			return nil, err
		}
	}

	for i := start; i < end; i++ {
		row := order[i]
		text := strings.TrimSpace(cells[row])
		if text == "" {
			if i == start {
				a.logger.WarnContext(ctx, "assigned prompt has no text",
					"user_id", user.ID, "level", level, "row", row)
				return nil, errs.Wrap(errs.FailedPrecondition,
					fmt.Sprintf("prompt row %d has no text", row), ErrPromptTextMissing)
			}
			// The batch ends at the first gap.
			break
		}
		out.Prompts = append(out.Prompts, Prompt{Text: text, ExternalIndex: row, IndexWithinLevel: i})
	}
	return out, nil
}

// EnsureOrder stores the order for user's current level if none exists yet,
// or adopts the one a concurrent request stored. user is updated in place.
func (a *Assigner) EnsureOrder(ctx context.Context, user *db.User) error {
	if user.LevelScriptOrder != nil {
		return nil
	}
	if a.source == nil {
		return errs.New(errs.ConfigurationMissing, "prompt source is not configured")
	}
	_, err := a.assign(ctx, user, user.CurrentLevel)
	return err
}

// assign fetches the level, shuffles its non-blank rows and persists the
// order. If another request stored an order first, the stored order wins and
// nil cells are returned so the caller fetches text for that order.
func (a *Assigner) assign(ctx context.Context, user *db.User, level int) (map[int]string, error) {
	r := prompts.LevelRange(level, a.pageSize)
	raw, err := a.source.FetchRange(ctx, r)
	if err != nil {
		return nil, err
	}

	cells := make(map[int]string, len(raw))
	rows := make([]int, 0, len(raw))
	for i, cell := range raw {
		if prompts.IsBlank(cell) {
			continue
		}
		row := r.First + i
		cells[row] = cell
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errs.Wrap(errs.FailedPrecondition,
			fmt.Sprintf("level %d has no prompts", level), ErrNoPromptsInLevel)
	}

	order := shuffle.Shuffle(rows, shuffle.DeriveSeed(user.Username, level))
	saved, err := a.store.SaveLevelOrder(ctx, user.ID, level, order)
	if err != nil {
		return nil, err
	}
	if saved {
		a.logger.InfoContext(ctx, "level order assigned",
			"user_id", user.ID, "level", level, "prompts", len(order), "range", r.String())
		user.LevelScriptOrder = order
		return cells, nil
	}

	// Lost to a concurrent request, or the level moved underneath us.
	current, err := a.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if current.CurrentLevel != level || current.LevelScriptOrder == nil {
		return nil, errs.Wrap(errs.FailedPrecondition,
			fmt.Sprintf("level %d requested but user is on level %d", level, current.CurrentLevel),
			ErrLevelMismatch)
	}
	a.logger.InfoContext(ctx, "level order adopted from concurrent request",
		"user_id", user.ID, "level", level, "session", logutil.SessionTag(current.SessionID))
	*user = *current
	return nil, nil
}

// fetchRows returns the text of each row. A single row is fetched alone;
// batches fetch the covering span once.
func (a *Assigner) fetchRows(ctx context.Context, rows []int) (map[int]string, error) {
	first, last := rows[0], rows[0]
	for _, row := range rows[1:] {
		first = min(first, row)
		last = max(last, row)
	}
	raw, err := a.source.FetchRange(ctx, prompts.Range{First: first, Last: last})
	if err != nil {
		return nil, err
	}
	cells := make(map[int]string, len(rows))
	for _, row := range rows {
		if i := row - first; i < len(raw) {
			cells[row] = raw[i]
		}
	}
	return cells, nil
}
