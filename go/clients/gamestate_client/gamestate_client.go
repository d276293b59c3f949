package gamestate_client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/clients"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/rpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// GameStateClient talks to the remote game state service. It is the Remote
// of a session: time source, state reader, mutator and advance procedure.
type GameStateClient struct {
	*clients.BaseClient

	serverTime    *connect.Client[emptypb.Empty, timestamppb.Timestamp]
	profile       *connect.Client[structpb.Struct, structpb.Struct]
	state         *connect.Client[structpb.Struct, structpb.Struct]
	createDefault *connect.Client[structpb.Struct, structpb.Struct]
	advance       *connect.Client[structpb.Struct, structpb.Struct]
	ranking       *connect.Client[structpb.Struct, structpb.Struct]
	mutate        *connect.Client[structpb.Struct, structpb.Struct]
}

// NewGameStateClient creates a client for the service at baseURL. A non-empty
// authToken is sent as a bearer token on every call.
func NewGameStateClient(baseURL, authToken string, opts ...connect.ClientOption) *GameStateClient {
	base := clients.NewBaseClient(baseURL)
	base.SetTimeout(15 * time.Second)
	if authToken != "" {
		base.SetHeader("Authorization", "Bearer "+authToken)
	}

	return &GameStateClient{
		BaseClient:    base,
		serverTime:    connect.NewClient[emptypb.Empty, timestamppb.Timestamp](base, baseURL+rpc.GetServerTimeProcedure, opts...),
		profile:       connect.NewClient[structpb.Struct, structpb.Struct](base, baseURL+rpc.GetProfileProcedure, opts...),
		state:         connect.NewClient[structpb.Struct, structpb.Struct](base, baseURL+rpc.GetStateProcedure, opts...),
		createDefault: connect.NewClient[structpb.Struct, structpb.Struct](base, baseURL+rpc.CreateDefaultStateProcedure, opts...),
		advance:       connect.NewClient[structpb.Struct, structpb.Struct](base, baseURL+rpc.AdvanceStateProcedure, opts...),
		ranking:       connect.NewClient[structpb.Struct, structpb.Struct](base, baseURL+rpc.GetDerivedRankingProcedure, opts...),
		mutate:        connect.NewClient[structpb.Struct, structpb.Struct](base, baseURL+rpc.MutateProcedure, opts...),
	}
}

// GetServerTime returns the service's current timestamp
func (c *GameStateClient) GetServerTime(ctx context.Context) (time.Time, error) {
	res, err := c.serverTime.CallUnary(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		return time.Time{}, mapError("get server time", err)
	}
	return res.Msg.AsTime(), nil
}

// GetProfile returns the permission and layout data of userID
func (c *GameStateClient) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	res, err := c.profile.CallUnary(ctx, connect.NewRequest(rpc.UserRequest(userID)))
	if err != nil {
		return nil, mapError("get profile", err)
	}
	fields := rpc.StructToFields(res.Msg)
	return &models.Profile{
		IsAdmin:      fields.Bool(rpc.KeyIsAdmin),
		LayoutConfig: rpc.NestedFields(res.Msg, rpc.KeyLayoutConfig),
	}, nil
}

// GetState returns the full record, models.ErrNotFound for a first-time user
func (c *GameStateClient) GetState(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	return c.userCall(ctx, c.state, "get state", userID)
}

// CreateDefaultState creates the record of userID from defaults
func (c *GameStateClient) CreateDefaultState(ctx context.Context, userID uuid.UUID, defaults models.Fields) (models.Fields, error) {
	req := rpc.UserRequest(userID)
	params, err := rpc.FieldsToStruct(defaults)
	if err != nil {
		return nil, err
	}
	req.Fields[rpc.KeyDefaults] = structpb.NewStructValue(params)

	res, err := c.createDefault.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, mapError("create default state", err)
	}
	return rpc.StructToFields(res.Msg), nil
}

// AdvanceState grants accrual since the last advance. Extra calls within a
// tick are no-ops on the remote side.
func (c *GameStateClient) AdvanceState(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	return c.userCall(ctx, c.advance, "advance state", userID)
}

// GetDerivedRanking returns the ranking fields of userID
func (c *GameStateClient) GetDerivedRanking(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	return c.userCall(ctx, c.ranking, "get ranking", userID)
}

// Mutate runs action for userID. Business-rule failures wrap models.ErrMutationRejected.
func (c *GameStateClient) Mutate(ctx context.Context, userID uuid.UUID, action string, params models.Fields) (models.Fields, error) {
	req := rpc.UserRequest(userID)
	req.Fields[rpc.KeyAction] = structpb.NewStringValue(action)
	p, err := rpc.FieldsToStruct(params)
	if err != nil {
		return nil, err
	}
	req.Fields[rpc.KeyParams] = structpb.NewStructValue(p)

	res, err := c.mutate.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, mapError(action, err)
	}
	return rpc.StructToFields(res.Msg), nil
}

func (c *GameStateClient) userCall(ctx context.Context, client *connect.Client[structpb.Struct, structpb.Struct], op string, userID uuid.UUID) (models.Fields, error) {
	res, err := client.CallUnary(ctx, connect.NewRequest(rpc.UserRequest(userID)))
	if err != nil {
		return nil, mapError(op, err)
	}
	return rpc.StructToFields(res.Msg), nil
}

// mapError translates connect codes into the sentinels the sync core checks
func mapError(op string, err error) error {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch connectErr.Code() {
	case connect.CodeNotFound:
		return fmt.Errorf("%s: %w: %w", op, models.ErrNotFound, err)
	case connect.CodeFailedPrecondition, connect.CodeInvalidArgument:
		return fmt.Errorf("%s: %w: %w", op, models.ErrMutationRejected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
