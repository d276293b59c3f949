package devserver

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/rpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Handler serves the game state service from a World
type Handler struct {
	world *World
}

// NewHandler creates a handler
func NewHandler(world *World) *Handler {
	return &Handler{world: world}
}

// Register mounts every procedure on mux
func (h *Handler) Register(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(rpc.GetServerTimeProcedure, connect.NewUnaryHandler(rpc.GetServerTimeProcedure, h.GetServerTime, opts...))
	mux.Handle(rpc.GetProfileProcedure, connect.NewUnaryHandler(rpc.GetProfileProcedure, h.GetProfile, opts...))
	mux.Handle(rpc.GetStateProcedure, connect.NewUnaryHandler(rpc.GetStateProcedure, h.userCall(h.getState), opts...))
	mux.Handle(rpc.CreateDefaultStateProcedure, connect.NewUnaryHandler(rpc.CreateDefaultStateProcedure, h.CreateDefaultState, opts...))
	mux.Handle(rpc.AdvanceStateProcedure, connect.NewUnaryHandler(rpc.AdvanceStateProcedure, h.userCall(h.world.Advance), opts...))
	mux.Handle(rpc.GetDerivedRankingProcedure, connect.NewUnaryHandler(rpc.GetDerivedRankingProcedure, h.userCall(h.getRanking), opts...))
	mux.Handle(rpc.MutateProcedure, connect.NewUnaryHandler(rpc.MutateProcedure, h.Mutate, opts...))
}

// GetServerTime returns the world clock
func (h *Handler) GetServerTime(ctx context.Context, req *connect.Request[emptypb.Empty]) (*connect.Response[timestamppb.Timestamp], error) {
	return connect.NewResponse(timestamppb.New(h.world.Now())), nil
}

// GetProfile returns the profile of the requested user
func (h *Handler) GetProfile(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	userID, err := rpc.UserOf(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	profile, err := h.world.Profile(userID)
	if err != nil {
		return nil, toConnectError(err)
	}

	layout, err := structpb.NewStruct(profile.LayoutConfig)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&structpb.Struct{Fields: map[string]*structpb.Value{
		rpc.KeyIsAdmin:      structpb.NewBoolValue(profile.IsAdmin),
		rpc.KeyLayoutConfig: structpb.NewStructValue(layout),
	}}), nil
}

// CreateDefaultState creates the record of the requested user
func (h *Handler) CreateDefaultState(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	userID, err := rpc.UserOf(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	fields, err := h.world.CreateDefault(ctx, userID, rpc.NestedFields(req.Msg, rpc.KeyDefaults))
	return fieldsResponse(fields, err)
}

// Mutate applies the requested action
func (h *Handler) Mutate(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	userID, err := rpc.UserOf(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	action := req.Msg.GetFields()[rpc.KeyAction].GetStringValue()
	fields, err := h.world.Mutate(ctx, userID, action, rpc.NestedFields(req.Msg, rpc.KeyParams))
	return fieldsResponse(fields, err)
}

func (h *Handler) getState(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	return h.world.State(userID)
}

func (h *Handler) getRanking(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	return h.world.Ranking(userID)
}

// userCall adapts a per-user world read to a unary handler
func (h *Handler) userCall(fn func(ctx context.Context, userID uuid.UUID) (models.Fields, error)) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		userID, err := rpc.UserOf(req.Msg)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		return fieldsResponse(fn(ctx, userID))
	}
}

func fieldsResponse(fields models.Fields, err error) (*connect.Response[structpb.Struct], error) {
	if err != nil {
		return nil, toConnectError(err)
	}
	msg, err := rpc.FieldsToStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, models.ErrMutationRejected):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
