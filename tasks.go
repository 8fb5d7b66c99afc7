package folio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"

	"github.com/eringen/folio/database"
)

// TaskStatus is a kanban column.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
)

// TaskColumns lists the board columns in display order.
var TaskColumns = []TaskStatus{TaskTodo, TaskInProgress, TaskReview, TaskDone}

const dateLayout = "2006-01-02"

// Task is a kanban card.
type Task struct {
	ID          int64      `json:"id,string"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    string     `json:"priority"`
	Position    int        `json:"position"`
	DueDate     string     `json:"due_date,omitempty"`
	Labels      []string   `json:"labels"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskInput is the editable part of a task.
type TaskInput struct {
	Title       string     `json:"title" validate:"required,notblank,max=200"`
	Description string     `json:"description" validate:"max=10000"`
	Status      TaskStatus `json:"status" validate:"omitempty,oneof=todo in_progress review done"`
	Priority    string     `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	DueDate     string     `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Labels      []string   `json:"labels" validate:"max=20,dive,max=40"`
}

// MoveInput places a task in a column at a position.
type MoveInput struct {
	Status   TaskStatus `json:"status" validate:"required,oneof=todo in_progress review done"`
	Position int        `json:"position" validate:"min=0"`
}

// BoardColumn is one column of the board.
type BoardColumn struct {
	Status TaskStatus `json:"status"`
	Tasks  []Task     `json:"tasks"`
}

// TaskStats summarises the board.
type TaskStats struct {
	Total    int                `json:"total"`
	ByStatus map[TaskStatus]int `json:"by_status"`
	Overdue  int                `json:"overdue"`
}

type taskRow struct {
	ID          int64          `db:"id"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Status      string         `db:"status"`
	Priority    string         `db:"priority"`
	Position    int            `db:"position"`
	DueDate     sql.NullString `db:"due_date"`
	Labels      string         `db:"labels"`
	CompletedAt sql.NullString `db:"completed_at"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

func (r taskRow) task() Task {
	return Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      TaskStatus(r.Status),
		Priority:    r.Priority,
		Position:    r.Position,
		DueDate:     r.DueDate.String,
		Labels:      ParseTags(r.Labels),
		CompletedAt: database.ParseNullTimestamp(r.CompletedAt),
		CreatedAt:   database.ParseTimestamp(r.CreatedAt),
		UpdatedAt:   database.ParseTimestamp(r.UpdatedAt),
	}
}

const taskColumns = `id, title, description, status, priority, position, due_date, labels, completed_at, created_at, updated_at`

func nullDate(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func getTask(ctx context.Context, q queryer, id int64) (Task, error) {
	var rows []taskRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id); err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	if len(rows) == 0 {
		return Task{}, ErrNotFound
	}
	return rows[0].task(), nil
}

// columnIDs returns the ids in a column ordered by position, leaving out skip.
func columnIDs(ctx context.Context, tx *sqlx.Tx, status TaskStatus, skip int64) ([]int64, error) {
	var ids []int64
	err := tx.SelectContext(ctx, &ids, tx.Rebind(`
		SELECT id FROM tasks WHERE status = ? AND id <> ? ORDER BY position, created_at, id`), status, skip)
	return ids, err
}

// renumber writes dense 0-based positions for ids in order.
func renumber(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks SET position = ? WHERE id = ?`), pos, id); err != nil {
			return err
		}
	}
	return nil
}

// completedAt returns the completion time a task has after entering status.
func completedAt(prev *time.Time, status TaskStatus, now time.Time) sql.NullString {
	if status != TaskDone {
		return sql.NullString{}
	}
	if prev != nil {
		return database.NullTimestamp(prev)
	}
	return database.NullTimestamp(&now)
}

// CreateTask appends a task to the end of its column.
func (s *Store) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	if in.Status == "" {
		in.Status = TaskTodo
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}
	now := s.now().UTC()
	id := database.NextID()
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM tasks WHERE status = ?`), in.Status); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tasks (id, title, description, status, priority, position, due_date, labels,
				completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			id, strings.TrimSpace(in.Title), in.Description, in.Status, in.Priority, n, nullDate(in.DueDate),
			fenceTags(normalizeTags(in.Labels)), completedAt(nil, in.Status, now),
			database.Timestamp(now), database.Timestamp(now))
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return getTask(ctx, s.db, id)
}

// UpdateTask edits a task. A status change appends it to the new column.
func (s *Store) UpdateTask(ctx context.Context, id int64, in TaskInput) (Task, error) {
	now := s.now().UTC()
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if in.Status == "" {
			in.Status = cur.Status
		}
		if in.Priority == "" {
			in.Priority = cur.Priority
		}
		position := cur.Position
		if in.Status != cur.Status {
			target, err := columnIDs(ctx, tx, in.Status, id)
			if err != nil {
				return err
			}
			position = len(target)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, position = ?,
				due_date = ?, labels = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`),
			strings.TrimSpace(in.Title), in.Description, in.Status, in.Priority, position,
			nullDate(in.DueDate), fenceTags(normalizeTags(in.Labels)), completedAt(cur.CompletedAt, in.Status, now),
			database.Timestamp(now), id)
		if err != nil {
			return err
		}
		if in.Status != cur.Status {
			old, err := columnIDs(ctx, tx, cur.Status, id)
			if err != nil {
				return err
			}
			return renumber(ctx, tx, old)
		}
		return nil
	})
	if err != nil {
		return Task{}, wrapNotFound(err, "update task %d", id)
	}
	return getTask(ctx, s.db, id)
}

// clampPosition limits pos to [0, n].
func clampPosition(pos, n int) int {
	return max(0, min(pos, n))
}

// insertAt returns ids with id inserted at pos.
func insertAt(ids []int64, pos int, id int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	out = append(out, ids[:pos]...)
	out = append(out, id)
	return append(out, ids[pos:]...)
}

// MoveTask places a task at position within status, renumbering the
// affected columns densely.
func (s *Store) MoveTask(ctx context.Context, id int64, in MoveInput) (Task, error) {
	now := s.now().UTC()
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		target, err := columnIDs(ctx, tx, in.Status, id)
		if err != nil {
			return err
		}
		ordered := insertAt(target, clampPosition(in.Position, len(target)), id)

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`),
			in.Status, completedAt(cur.CompletedAt, in.Status, now), database.Timestamp(now), id); err != nil {
			return err
		}
		if err := renumber(ctx, tx, ordered); err != nil {
			return err
		}
		if cur.Status != in.Status {
			old, err := columnIDs(ctx, tx, cur.Status, id)
			if err != nil {
				return err
			}
			return renumber(ctx, tx, old)
		}
		return nil
	})
	if err != nil {
		return Task{}, wrapNotFound(err, "move task %d", id)
	}
	return getTask(ctx, s.db, id)
}

// DeleteTask removes a task and compacts its column.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
			return err
		}
		rest, err := columnIDs(ctx, tx, cur.Status, id)
		if err != nil {
			return err
		}
		return renumber(ctx, tx, rest)
	})
	return wrapNotFound(err, "delete task %d", id)
}

// TaskBoard returns every column in display order.
func (s *Store) TaskBoard(ctx context.Context) ([]BoardColumn, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+taskColumns+` FROM tasks ORDER BY position, created_at, id`)); err != nil {
		return nil, fmt.Errorf("task board: %w", err)
	}
	byStatus := make(map[TaskStatus][]Task, len(TaskColumns))
	for _, r := range rows {
		t := r.task()
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}
	board := make([]BoardColumn, len(TaskColumns))
	for i, st := range TaskColumns {
		tasks := byStatus[st]
		if tasks == nil {
			tasks = []Task{}
		}
		board[i] = BoardColumn{Status: st, Tasks: tasks}
	}
	return board, nil
}

// TaskStats counts tasks per status and overdue open tasks.
func (s *Store) TaskStats(ctx context.Context) (TaskStats, error) {
	stats := TaskStats{ByStatus: make(map[TaskStatus]int, len(TaskColumns))}
	for _, st := range TaskColumns {
		stats.ByStatus[st] = 0
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`)); err != nil {
		return TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	for _, r := range rows {
		stats.ByStatus[TaskStatus(r.Status)] = r.N
		stats.Total += r.N
	}
	today := s.now().UTC().Format(dateLayout)
	if err := s.db.GetContext(ctx, &stats.Overdue, s.q(`
		SELECT COUNT(*) FROM tasks WHERE due_date IS NOT NULL AND due_date < ? AND status <> ?`),
		today, TaskDone); err != nil {
		return TaskStats{}, fmt.Errorf("overdue tasks: %w", err)
	}
	return stats, nil
}

func wrapNotFound(err error, format string, args ...any) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Handlers

func (a *App) handleTaskBoard(c echo.Context) error {
	board, err := a.Store.TaskBoard(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"columns": board})
}

func (a *App) handleTaskStats(c echo.Context) error {
	stats, err := a.Store.TaskStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *App) handleCreateTask(c echo.Context) error {
	var in TaskInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	t, err := a.Store.CreateTask(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (a *App) handleUpdateTask(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var in TaskInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	t, err := a.Store.UpdateTask(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (a *App) handleMoveTask(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var in MoveInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	t, err := a.Store.MoveTask(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (a *App) handleDeleteTask(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := a.Store.DeleteTask(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
