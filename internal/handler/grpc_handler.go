package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-task-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-task-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-task-approvals/internal/service"
)

// TaskApprovalsServiceName is the fully qualified gRPC service name.
const TaskApprovalsServiceName = "approvals.v1.TaskApprovals"

// TaskApprovalsServer is the server API for the TaskApprovals service.
// Requests and responses are google.protobuf.Struct values carrying the same
// camelCase fields as the HTTP API.
type TaskApprovalsServer interface {
	Forward(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(TaskApprovalsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TaskApprovalsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + TaskApprovalsServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TaskApprovalsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TaskApprovalsServiceDesc describes the TaskApprovals service for
// grpc.Server.RegisterService.
var TaskApprovalsServiceDesc = grpc.ServiceDesc{
	ServiceName: TaskApprovalsServiceName,
	HandlerType: (*TaskApprovalsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: unaryHandler("Forward", TaskApprovalsServer.Forward)},
		{MethodName: "Complete", Handler: unaryHandler("Complete", TaskApprovalsServer.Complete)},
		{MethodName: "Approve", Handler: unaryHandler("Approve", TaskApprovalsServer.Approve)},
		{MethodName: "Reject", Handler: unaryHandler("Reject", TaskApprovalsServer.Reject)},
		{MethodName: "GetTask", Handler: unaryHandler("GetTask", TaskApprovalsServer.GetTask)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/task_approvals.proto",
}

// GRPCHandler implements the TaskApprovals gRPC interface
type GRPCHandler struct {
	engine *service.ApprovalEngine
	tasks  *service.TaskService
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, tasks *service.TaskService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		tasks:  tasks,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&TaskApprovalsServiceDesc, h)
}

// Forward hands a task to another user
func (h *GRPCHandler) Forward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	taskID := field(req, "taskId")
	h.logger.Info().Str("task_id", taskID).Str("actor_id", actor).Msg("gRPC Forward called")

	res, err := h.engine.Forward(ctx, taskID, actor, field(req, "toUserId"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to forward task")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// Complete submits a task for approval
func (h *GRPCHandler) Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	taskID := field(req, "taskId")
	h.logger.Info().Str("task_id", taskID).Str("actor_id", actor).Msg("gRPC Complete called")

	res, err := h.engine.Complete(ctx, taskID, actor)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to complete task")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// Approve records an approval at the actor's level
func (h *GRPCHandler) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	taskID := field(req, "taskId")
	h.logger.Info().Str("task_id", taskID).Str("actor_id", actor).Msg("gRPC Approve called")

	res, err := h.engine.Approve(ctx, taskID, actor)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to approve task")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// Reject sends a task back
func (h *GRPCHandler) Reject(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	taskID := field(req, "taskId")
	h.logger.Info().Str("task_id", taskID).Str("actor_id", actor).Msg("gRPC Reject called")

	task, err := h.engine.Reject(ctx, taskID, actor, field(req, "forwardTo"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to reject task")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"task": task})
}

// GetTask returns a task with its forwarding path and approvers
func (h *GRPCHandler) GetTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	taskID := field(req, "taskId")
	h.logger.Info().Str("task_id", taskID).Msg("gRPC GetTask called")

	detail, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get task")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(detail)
}

func requireActor(ctx context.Context) (string, error) {
	actor := middleware.GetActor(ctx)
	if actor == "" {
		return "", status.Error(codes.Unauthenticated, "missing "+actorMetadataKey+" metadata")
	}
	return actor, nil
}

func field(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// toStruct renders v through its JSON form so gRPC and HTTP responses share
// field names.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	var msg string
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		msg = appErr.Error()
	} else {
		msg = "internal error"
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeBusinessRule:
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
