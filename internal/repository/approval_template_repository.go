package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-task-approvals/internal/platform/database"
	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
)

// ApprovalTemplateRepository handles CRUD for approval_templates and their
// stages. Stage rows are always written together with the header.
type ApprovalTemplateRepository struct {
	db database.Querier
}

// NewApprovalTemplateRepository creates a new ApprovalTemplateRepository.
func NewApprovalTemplateRepository(db database.Querier) *ApprovalTemplateRepository {
	return &ApprovalTemplateRepository{db: db}
}

// Create inserts a template and its stages.
func (r *ApprovalTemplateRepository) Create(ctx context.Context, t *ApprovalTemplate) error {
	query := `
		INSERT INTO approval_templates (name, condition_json, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, query, t.Name, t.ConditionJSON, t.IsActive).
			Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return err
		}
		return insertStages(ctx, tx, t)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval template")
	}
	ParseTemplateCondition(t)
	return nil
}

// GetByID retrieves a template with its stages.
func (r *ApprovalTemplateRepository) GetByID(ctx context.Context, id string) (*ApprovalTemplate, error) {
	query := `
		SELECT id, name, condition_json, is_active, created_at, updated_at
		FROM approval_templates
		WHERE id = $1
	`
	t, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval template")
	}
	if err := r.attachStages(ctx, []*ApprovalTemplate{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns templates newest first, with stages.
func (r *ApprovalTemplateRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalTemplate, error) {
	query := `
		SELECT id, name, condition_json, is_active, created_at, updated_at
		FROM approval_templates
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval templates")
	}
	defer rows.Close()

	var templates []*ApprovalTemplate
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval template")
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval templates")
	}
	rows.Close()

	if err := r.attachStages(ctx, templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// Update persists the header and, when replaceStages is set, swaps the stage
// rows for t.Stages.
func (r *ApprovalTemplateRepository) Update(ctx context.Context, t *ApprovalTemplate, replaceStages bool) error {
	query := `
		UPDATE approval_templates
		SET name           = $2,
		    condition_json = $3,
		    is_active      = $4,
		    updated_at     = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, query, t.ID, t.Name, t.ConditionJSON, t.IsActive).
			Scan(&t.UpdatedAt); err != nil {
			return err
		}
		if !replaceStages {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM approval_template_stages WHERE template_id = $1`, t.ID); err != nil {
			return err
		}
		return insertStages(ctx, tx, t)
	})
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_template", t.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval template")
	}
	ParseTemplateCondition(t)
	return nil
}

// Delete removes a template. Stages cascade.
func (r *ApprovalTemplateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_templates WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_template", id)
	}
	return nil
}

func insertStages(ctx context.Context, tx pgx.Tx, t *ApprovalTemplate) error {
	query := `
		INSERT INTO approval_template_stages (template_id, level_order, approver_type, approver_value)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	for i := range t.Stages {
		s := &t.Stages[i]
		s.TemplateID = t.ID
		if err := tx.QueryRow(ctx, query, t.ID, s.LevelOrder, s.ApproverType, s.ApproverValue).Scan(&s.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *ApprovalTemplateRepository) attachStages(ctx context.Context, templates []*ApprovalTemplate) error {
	if len(templates) == 0 {
		return nil
	}
	ids := make([]string, len(templates))
	byID := make(map[string]*ApprovalTemplate, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
		byID[t.ID] = t
		t.Stages = []ApprovalTemplateStage{}
	}

	query := `
		SELECT id, template_id, level_order, approver_type, approver_value
		FROM approval_template_stages
		WHERE template_id = ANY($1::uuid[])
		ORDER BY template_id, level_order ASC
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load template stages")
	}
	defer rows.Close()

	for rows.Next() {
		var s ApprovalTemplateStage
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.LevelOrder, &s.ApproverType, &s.ApproverValue); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template stage")
		}
		if t, ok := byID[s.TemplateID]; ok {
			t.Stages = append(t.Stages, s)
		}
	}
	return rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type templateScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalTemplateRepository) scanTemplate(row templateScanner) (*ApprovalTemplate, error) {
	t := &ApprovalTemplate{}
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.ConditionJSON,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ParseTemplateCondition(t)
	return t, nil
}
