package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
)

// TemplateService manages approval templates.
type TemplateService struct {
	store repository.Store
	log   *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store repository.Store, log *logger.Logger) *TemplateService {
	return &TemplateService{store: store, log: log}
}

// TemplateStageRequest describes one stage.
type TemplateStageRequest struct {
	LevelOrder    int    `json:"levelOrder"`
	ApproverType  string `json:"approverType"`
	ApproverValue string `json:"approverValue"`
}

// CreateTemplateRequest represents a create template request.
type CreateTemplateRequest struct {
	Name          string
	ConditionJSON string
	IsActive      *bool
	Stages        []TemplateStageRequest
}

// UpdateTemplateRequest represents an update. Stages are replaced only when
// non-nil.
type UpdateTemplateRequest struct {
	ID            string
	Name          *string
	ConditionJSON *string
	IsActive      *bool
	Stages        *[]TemplateStageRequest
}

// CreateTemplate validates and stores a template.
func (s *TemplateService) CreateTemplate(ctx context.Context, req *CreateTemplateRequest) (*repository.ApprovalTemplate, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}
	cond, err := validateCondition(req.ConditionJSON)
	if err != nil {
		return nil, err
	}
	stages, err := buildStages(req.Stages)
	if err != nil {
		return nil, err
	}

	t := &repository.ApprovalTemplate{
		Name:          name,
		ConditionJSON: cond,
		IsActive:      req.IsActive == nil || *req.IsActive,
		Stages:        stages,
	}
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		if err := checkStageUsers(ctx, repos.Directory, stages); err != nil {
			return err
		}
		return repos.Templates.Create(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", t.ID).
		Str("name", t.Name).
		Int("stages", len(t.Stages)).
		Msg("Approval template created")
	return t, nil
}

// GetTemplate returns one template with its stages.
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*repository.ApprovalTemplate, error) {
	return s.store.Repositories().Templates.GetByID(ctx, id)
}

// ListTemplates returns templates newest first.
func (s *TemplateService) ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.ApprovalTemplate, error) {
	return s.store.Repositories().Templates.List(ctx, activeOnly)
}

// UpdateTemplate applies the non-nil fields of req. Condition and stages are
// frozen while an unfinished task references the template; name and active
// flag stay editable.
func (s *TemplateService) UpdateTemplate(ctx context.Context, req *UpdateTemplateRequest) (*repository.ApprovalTemplate, error) {
	var (
		cond   string
		stages []repository.ApprovalTemplateStage
		err    error
	)
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, errors.InvalidInput("name", "name must not be empty")
	}
	if req.ConditionJSON != nil {
		if cond, err = validateCondition(*req.ConditionJSON); err != nil {
			return nil, err
		}
	}
	if req.Stages != nil {
		if stages, err = buildStages(*req.Stages); err != nil {
			return nil, err
		}
	}

	var t *repository.ApprovalTemplate
	err = s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		existing, err := repos.Templates.GetByID(ctx, req.ID)
		if err != nil {
			return err
		}
		if req.ConditionJSON != nil || req.Stages != nil {
			n, err := repos.Tasks.CountInFlightByTemplate(ctx, req.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrTemplateInUse.WithMessage("cannot change condition or stages of template used by %d unfinished tasks", n)
			}
		}
		if req.Stages != nil {
			if err := checkStageUsers(ctx, repos.Directory, stages); err != nil {
				return err
			}
		}
		if req.Name != nil {
			existing.Name = strings.TrimSpace(*req.Name)
		}
		if req.ConditionJSON != nil {
			existing.ConditionJSON = cond
		}
		if req.IsActive != nil {
			existing.IsActive = *req.IsActive
		}
		if req.Stages != nil {
			existing.Stages = stages
		}
		if err := repos.Templates.Update(ctx, existing, req.Stages != nil); err != nil {
			return err
		}
		t = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("template_id", t.ID).Bool("stages_replaced", req.Stages != nil).Msg("Approval template updated")
	return t, nil
}

// DeleteTemplate removes a template no task references.
func (s *TemplateService) DeleteTemplate(ctx context.Context, id string) error {
	err := s.store.InTransaction(ctx, func(repos *repository.Repositories) error {
		if _, err := repos.Templates.GetByID(ctx, id); err != nil {
			return err
		}
		n, err := repos.Tasks.CountByTemplate(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrTemplateInUse.WithMessage("cannot delete template that is used in %d tasks", n)
		}
		return repos.Templates.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("template_id", id).Msg("Approval template deleted")
	return nil
}

// validateCondition parses raw and returns its canonical form.
func validateCondition(raw string) (string, error) {
	cond, err := repository.ParseCondition(raw)
	if err != nil {
		return "", errors.InvalidInput("conditionJson", "invalid conditionJson format")
	}
	return cond.String(), nil
}

var validApproverTypes = map[string]bool{
	repository.ApproverTypeUser:        true,
	repository.ApproverTypeRole:        true,
	repository.ApproverTypeDynamicRole: true,
}

func buildStages(reqs []TemplateStageRequest) ([]repository.ApprovalTemplateStage, error) {
	stages := make([]repository.ApprovalTemplateStage, 0, len(reqs))
	seen := make(map[int]bool, len(reqs))
	for _, r := range reqs {
		switch {
		case r.LevelOrder <= 0:
			return nil, errors.InvalidInput("stages", "levelOrder must be positive")
		case seen[r.LevelOrder]:
			return nil, errors.InvalidInput("stages", fmt.Sprintf("duplicate levelOrder %d", r.LevelOrder))
		case !validApproverTypes[r.ApproverType]:
			return nil, errors.InvalidInput("stages", fmt.Sprintf("invalid approverType %q", r.ApproverType))
		case strings.TrimSpace(r.ApproverValue) == "":
			return nil, errors.InvalidInput("stages", "approverValue is required")
		}
		seen[r.LevelOrder] = true
		stages = append(stages, repository.ApprovalTemplateStage{
			LevelOrder:    r.LevelOrder,
			ApproverType:  r.ApproverType,
			ApproverValue: strings.TrimSpace(r.ApproverValue),
		})
	}
	return stages, nil
}

// checkStageUsers makes sure every user stage names an existing user.
func checkStageUsers(ctx context.Context, dir repository.DirectoryStore, stages []repository.ApprovalTemplateStage) error {
	for _, st := range stages {
		if st.ApproverType != repository.ApproverTypeUser {
			continue
		}
		_, err := dir.GetUser(ctx, st.ApproverValue)
		if errors.IsNotFound(err) {
			return errors.InvalidInput("stages", fmt.Sprintf("user not found: %s", st.ApproverValue))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
