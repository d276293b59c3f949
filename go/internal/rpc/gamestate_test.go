package rpc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestServiceDescriptorRegistered(t *testing.T) {
	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(ServiceName))
	require.NoError(t, err)

	svc, ok := desc.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	assert.Equal(t, 7, svc.Methods().Len())

	advance := svc.Methods().ByName("AdvanceState")
	require.NotNil(t, advance)
	assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), advance.Input().FullName())
	assert.Equal(t, protoreflect.FullName("google.protobuf.Timestamp"), svc.Methods().ByName("GetServerTime").Output().FullName())
}

func TestFieldsRoundTrip(t *testing.T) {
	s, err := FieldsToStruct(models.Fields{"gold": 150, "auto_explore": true, "banner": "lion", "note": nil})
	require.NoError(t, err)

	fields := StructToFields(s)
	assert.Equal(t, models.Fields{"gold": 150.0, "auto_explore": true, "banner": "lion", "note": nil}, fields)
	assert.Equal(t, models.Fields{}, StructToFields(nil))
}

func TestUserRequest(t *testing.T) {
	id := uuid.New()
	got, err := UserOf(UserRequest(id))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = UserOf(&structpb.Struct{})
	assert.Error(t, err)

	_, err = UserOf(&structpb.Struct{Fields: map[string]*structpb.Value{KeyUserID: structpb.NewStringValue("x")}})
	assert.Error(t, err)
}

func TestNestedFields(t *testing.T) {
	params, err := structpb.NewStruct(map[string]any{"field": "auto_explore", "value": true})
	require.NoError(t, err)
	req := UserRequest(uuid.New())
	req.Fields[KeyParams] = structpb.NewStructValue(params)

	assert.Equal(t, models.Fields{"field": "auto_explore", "value": true}, NestedFields(req, KeyParams))
	assert.Equal(t, models.Fields{}, NestedFields(req, KeyDefaults))
}
