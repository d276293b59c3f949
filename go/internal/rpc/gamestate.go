// Package rpc describes the game state service spoken between the client and
// the remote store. Messages are well-known types: requests and records travel
// as google.protobuf.Struct, the clock as google.protobuf.Timestamp.
package rpc

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ServiceName is the fully-qualified name of the game state service
const ServiceName = "empire.gamestate.v1.GameStateService"

// Procedure paths of the game state service
const (
	GetServerTimeProcedure      = "/" + ServiceName + "/GetServerTime"
	GetProfileProcedure         = "/" + ServiceName + "/GetProfile"
	GetStateProcedure           = "/" + ServiceName + "/GetState"
	CreateDefaultStateProcedure = "/" + ServiceName + "/CreateDefaultState"
	AdvanceStateProcedure       = "/" + ServiceName + "/AdvanceState"
	GetDerivedRankingProcedure  = "/" + ServiceName + "/GetDerivedRanking"
	MutateProcedure             = "/" + ServiceName + "/Mutate"
)

// Request keys
const (
	KeyUserID   = "user_id"
	KeyDefaults = "defaults"
	KeyAction   = "action"
	KeyParams   = "params"

	KeyIsAdmin      = "is_admin"
	KeyLayoutConfig = "layout_config"
)

// init registers the service descriptor so servers can offer reflection
func init() {
	var (
		empty     = "." + string((&emptypb.Empty{}).ProtoReflect().Descriptor().FullName())
		structT   = "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())
		timestamp = "." + string((&timestamppb.Timestamp{}).ProtoReflect().Descriptor().FullName())
	)

	method := func(name, in, out string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(in),
			OutputType: proto.String(out),
		}
	}

	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("empire/gamestate/v1/gamestate.proto"),
		Package: proto.String("empire.gamestate.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			"google/protobuf/empty.proto",
			"google/protobuf/struct.proto",
			"google/protobuf/timestamp.proto",
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("GameStateService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("GetServerTime", empty, timestamp),
				method("GetProfile", structT, structT),
				method("GetState", structT, structT),
				method("CreateDefaultState", structT, structT),
				method("AdvanceState", structT, structT),
				method("GetDerivedRanking", structT, structT),
				method("Mutate", structT, structT),
			},
		}},
	}

	fd, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("build %s descriptor: %v", ServiceName, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register %s descriptor: %v", ServiceName, err))
	}
}

// FieldsToStruct converts record fields into a Struct
func FieldsToStruct(fields models.Fields) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any(fields))
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return s, nil
}

// StructToFields converts a Struct into record fields. Numbers come back as float64.
func StructToFields(s *structpb.Struct) models.Fields {
	if s == nil {
		return models.Fields{}
	}
	return models.Fields(s.AsMap())
}

// UserRequest builds the request carrying only a user id
func UserRequest(userID uuid.UUID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		KeyUserID: structpb.NewStringValue(userID.String()),
	}}
}

// UserOf extracts the user id of a request
func UserOf(s *structpb.Struct) (uuid.UUID, error) {
	v, ok := s.GetFields()[KeyUserID]
	if !ok {
		return uuid.Nil, fmt.Errorf("missing %s", KeyUserID)
	}
	id, err := uuid.Parse(v.GetStringValue())
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", KeyUserID, err)
	}
	return id, nil
}

// NestedFields reads a struct-valued key of a request
func NestedFields(s *structpb.Struct, key string) models.Fields {
	return StructToFields(s.GetFields()[key].GetStructValue())
}
