package handler_test

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-task-approvals/internal/handler"
	"github.com/pesio-ai/be-task-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-task-approvals/internal/repository"
	"github.com/pesio-ai/be-task-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-task-approvals/internal/service"
)

func startGRPC(t *testing.T, store *memory.Store) *grpc.ClientConn {
	t.Helper()
	log := logger.Nop()
	h := handler.NewGRPCHandler(
		service.NewApprovalEngine(store, nil, service.EmptyRoundReject, log),
		service.NewTaskService(store, log),
		zerolog.Nop(),
	)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.ActorInterceptor,
		handler.LoggingInterceptor(zerolog.Nop()),
	))
	h.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method, actor string, fields map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(fields)
	require.NoError(t, err)

	ctx := context.Background()
	if actor != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", actor)
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, "/"+handler.TaskApprovalsServiceName+"/"+method, in, out)
	return out, err
}

func TestGRPCApprovalFlow(t *testing.T) {
	store := memory.New()
	admin := store.AddUser(repository.User{Name: "Admin", Role: repository.RoleAdmin, Active: true})
	alice := store.AddUser(repository.User{Name: "Alice", Active: true})
	bob := store.AddUser(repository.User{Name: "Bob", Active: true})

	detail, err := service.NewTaskService(store, logger.Nop()).CreateTask(context.Background(), &service.CreateTaskRequest{
		Title:        "Review contract",
		ApprovalType: repository.ApprovalType360,
		AssigneeID:   &alice.ID,
		CreatedBy:    admin.ID,
	})
	require.NoError(t, err)
	taskID := detail.ID

	conn := startGRPC(t, store)

	_, err = invoke(t, conn, "Forward", "", map[string]interface{}{"taskId": taskID, "toUserId": bob.ID})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invoke(t, conn, "Forward", bob.ID, map[string]interface{}{"taskId": taskID, "toUserId": bob.ID})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err := invoke(t, conn, "Forward", alice.ID, map[string]interface{}{"taskId": taskID, "toUserId": bob.ID})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", out.GetFields()["task"].GetStructValue().GetFields()["status"].GetStringValue())

	_, err = invoke(t, conn, "Complete", bob.ID, map[string]interface{}{"taskId": taskID})
	require.NoError(t, err)

	_, err = invoke(t, conn, "Complete", bob.ID, map[string]interface{}{"taskId": taskID})
	assert.Equal(t, codes.Aborted, status.Code(err))

	out, err = invoke(t, conn, "Reject", alice.ID, map[string]interface{}{"taskId": taskID})
	require.NoError(t, err)
	assert.Equal(t, "rejected", out.GetFields()["task"].GetStructValue().GetFields()["status"].GetStringValue())

	out, err = invoke(t, conn, "GetTask", "", map[string]interface{}{"taskId": taskID})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, out.GetFields()["assigneeId"].GetStringValue())
	assert.Len(t, out.GetFields()["nodes"].GetListValue().GetValues(), 2)

	_, err = invoke(t, conn, "GetTask", "", map[string]interface{}{"taskId": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
